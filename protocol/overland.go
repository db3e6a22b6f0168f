package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"crewmap/models"
)

// ErrMalformedBatch is returned when the body is not {"locations": [...]}.
var ErrMalformedBatch = errors.New("malformed batch: expected { locations: [...] }")

// Item is one decoded batch entry: either a fix or the reason it was rejected.
type Item struct {
	Fix models.RawFix
	Err error
}

type overlandPayload struct {
	Locations *[]json.RawMessage `json:"locations"`
}

type overlandFeature struct {
	Geometry struct {
		Coordinates []json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// ParseOverland decodes protocol B, a GeoJSON feature batch as posted by the
// Overland app. Only the top-level shape can fail the call; every feature is
// decoded independently and a bad one becomes an Item with Err set.
func ParseOverland(r io.Reader, now time.Time) ([]Item, error) {
	var payload overlandPayload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}
	if payload.Locations == nil {
		return nil, ErrMalformedBatch
	}

	items := make([]Item, 0, len(*payload.Locations))
	for i, raw := range *payload.Locations {
		fix, err := parseFeature(raw, now)
		if err != nil {
			fix.Protocol = models.ProtocolOverland
			err = fmt.Errorf("location %d: %w", i, err)
		}
		items = append(items, Item{Fix: fix, Err: err})
	}
	return items, nil
}

func parseFeature(raw json.RawMessage, now time.Time) (models.RawFix, error) {
	var f overlandFeature
	if err := json.Unmarshal(raw, &f); err != nil {
		return models.RawFix{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}

	token := jsonString(f.Properties["device_id"])
	if token == "" {
		return models.RawFix{}, fmt.Errorf("%w: missing device_id", models.ErrInvalidPayload)
	}
	if len(f.Geometry.Coordinates) < 2 {
		return models.RawFix{}, fmt.Errorf("%w: coordinates must be [lon, lat]", models.ErrInvalidPayload)
	}
	lon, err := parseFinite("lon", jsonNumber(f.Geometry.Coordinates[0]))
	if err != nil {
		return models.RawFix{}, err
	}
	lat, err := parseFinite("lat", jsonNumber(f.Geometry.Coordinates[1]))
	if err != nil {
		return models.RawFix{}, err
	}

	ts := now.UTC()
	if rawTS := jsonString(f.Properties["timestamp"]); rawTS != "" {
		parsed, err := time.Parse(time.RFC3339Nano, rawTS)
		if err != nil {
			return models.RawFix{}, fmt.Errorf("%w: invalid timestamp %q", models.ErrInvalidPayload, rawTS)
		}
		ts = parsed.UTC()
	}

	return models.RawFix{
		Protocol:    models.ProtocolOverland,
		DriverToken: token,
		Latitude:    lat,
		Longitude:   lon,
		Timestamp:   ts,
		// iOS reports -1 for unknown speed, course and accuracy.
		Speed:    nonNegative(optionalFloat(jsonNumber(f.Properties["speed"]))),
		Heading:  nonNegative(optionalFloat(jsonNumber(f.Properties["course"]))),
		Accuracy: nonNegative(optionalFloat(jsonNumber(f.Properties["horizontal_accuracy"]))),
		Altitude: optionalFloat(jsonNumber(f.Properties["altitude"])),
	}, nil
}

// jsonString returns a JSON string value, or the literal text of a number.
func jsonString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// jsonNumber returns the textual form of a JSON number or numeric string.
func jsonNumber(raw json.RawMessage) string {
	s := jsonString(raw)
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return ""
	}
	return s
}

func nonNegative(v *float64) *float64 {
	if v == nil || *v < 0 {
		return nil
	}
	return v
}
