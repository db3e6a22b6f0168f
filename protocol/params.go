// Package protocol decodes the three inbound wire formats into models.RawFix.
package protocol

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crewmap/models"
)

// first returns the first non-empty value among keys.
func first(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// parseFinite parses a required coordinate.
func parseFinite(name, raw string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s", models.ErrInvalidPayload, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: invalid %s %q", models.ErrInvalidPayload, name, raw)
	}
	return v, nil
}

// optionalFloat parses an optional numeric field; unparsable values are absent.
func optionalFloat(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// epochSeconds converts a unix-seconds timestamp; missing or unparsable values
// fall back to the receipt time.
func epochSeconds(raw string, now time.Time) time.Time {
	if raw == "" {
		return now.UTC()
	}
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return now.UTC()
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// singleFix builds and validates a fix from query-style parameters shared by
// protocols A and C.
func singleFix(p models.Protocol, token string, q url.Values) (models.RawFix, error) {
	if token == "" {
		return models.RawFix{}, fmt.Errorf("%w: missing device identifier", models.ErrInvalidPayload)
	}
	lat, err := parseFinite("lat", first(q, "lat"))
	if err != nil {
		return models.RawFix{}, err
	}
	lon, err := parseFinite("lon", first(q, "lon"))
	if err != nil {
		return models.RawFix{}, err
	}
	return models.RawFix{
		Protocol:    p,
		DriverToken: token,
		Latitude:    lat,
		Longitude:   lon,
	}, nil
}
