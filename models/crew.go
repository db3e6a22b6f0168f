package models

import (
	"strings"
	"time"
)

const (
	crewCodePrefix   = "CONVOY-"
	crewCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	crewCodeLength   = 6
)

// Crew is a group of drivers sharing one map. Code is stored upper-case.
type Crew struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	Name      string     `json:"name,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the crew has an expiry that lies before now.
func (c *Crew) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// NormalizeCrewCode upper-cases and trims a user-typed crew code.
func NormalizeCrewCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCrewCode builds a shareable code such as CONVOY-7KQ2XM. The alphabet
// leaves out characters that are easy to misread (0/O, 1/I).
func GenerateCrewCode(intn func(int) int) string {
	var b strings.Builder
	b.WriteString(crewCodePrefix)
	for i := 0; i < crewCodeLength; i++ {
		b.WriteByte(crewCodeAlphabet[intn(len(crewCodeAlphabet))])
	}
	return b.String()
}
