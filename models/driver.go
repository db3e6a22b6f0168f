package models

import "time"

// Driver is one tracked participant of a crew. Drivers are deactivated, never deleted.
type Driver struct {
	ID          string     `json:"id"`
	CrewID      string     `json:"crew_id"`
	Nickname    string     `json:"nickname"`
	TruckNumber string     `json:"truck_number,omitempty"`
	Color       string     `json:"color"`
	IsActive    bool       `json:"is_active"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DriverColors is the palette handed out to crew members.
var DriverColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E2", "#F8B739", "#52B788",
}

// PickColor returns a palette color not already used in the crew, falling back
// to any palette color once every color is taken.
func PickColor(used []string, intn func(int) int) string {
	taken := make(map[string]bool, len(used))
	for _, c := range used {
		taken[c] = true
	}
	var available []string
	for _, c := range DriverColors {
		if !taken[c] {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		return DriverColors[intn(len(DriverColors))]
	}
	return available[intn(len(available))]
}
