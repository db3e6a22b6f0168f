// Package syncengine decides, on the tracking device, which position fixes are
// worth sending upstream.
package syncengine

import (
	"math"
	"time"

	"crewmap/geo"
)

const msToKmh = 3.6

// Decision reasons.
const (
	ReasonPoorAccuracy     = "poor accuracy"
	ReasonFirstPosition    = "first position"
	ReasonHeartbeat        = "heartbeat"
	ReasonMoved            = "moved"
	ReasonSpeedChanged     = "speed changed"
	ReasonDirectionChanged = "direction changed"
	ReasonStartedMoving    = "started moving"
	ReasonStopped          = "stopped"
	ReasonNoChange         = "no significant change"
)

type Config struct {
	MovementMeters    float64       `mapstructure:"movement_meters"`
	SpeedChangeKmh    float64       `mapstructure:"speed_change_kmh"`
	HeadingChangeDeg  float64       `mapstructure:"heading_change_deg"`
	MaxInterval       time.Duration `mapstructure:"max_interval"`
	StoppedKmh        float64       `mapstructure:"stopped_kmh"`
	MaxAccuracyMeters float64       `mapstructure:"max_accuracy_meters"`
}

func DefaultConfig() Config {
	return Config{
		MovementMeters:    10,
		SpeedChangeKmh:    5,
		HeadingChangeDeg:  15,
		MaxInterval:       30 * time.Second,
		StoppedKmh:        2,
		MaxAccuracyMeters: 100,
	}
}

// Fix is one reading from the positioning source. Speed is in meters per second.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Fix) point() geo.Point { return geo.Point{Lat: f.Latitude, Lon: f.Longitude} }

// SyncedFix is the part of the last transmitted fix the rules compare against.
type SyncedFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is carried between evaluations. The zero value means nothing has been
// synced yet.
type State struct {
	LastSynced   *SyncedFix `json:"last_synced,omitempty"`
	LastSyncTime time.Time  `json:"last_sync_time"`
	Moving       bool       `json:"moving"`
}

type Decision struct {
	Sync   bool
	Reason string
}

func skip(reason string) Decision { return Decision{Sync: false, Reason: reason} }
func send(reason string) Decision { return Decision{Sync: true, Reason: reason} }

// ShouldSync evaluates the rules in order; the first one that matches decides.
// It does no I/O and never mutates state.
func ShouldSync(cfg Config, fix Fix, state State, now time.Time) Decision {
	if fix.Accuracy != nil && *fix.Accuracy > cfg.MaxAccuracyMeters {
		return skip(ReasonPoorAccuracy)
	}

	last := state.LastSynced
	if last == nil {
		return send(ReasonFirstPosition)
	}

	if now.Sub(state.LastSyncTime) >= cfg.MaxInterval {
		return send(ReasonHeartbeat)
	}

	lastPoint := geo.Point{Lat: last.Latitude, Lon: last.Longitude}
	if geo.DistanceMeters(lastPoint, fix.point()) >= cfg.MovementMeters {
		return send(ReasonMoved)
	}

	speedKmh := kmh(fix.Speed)
	if math.Abs(speedKmh-kmh(last.Speed)) >= cfg.SpeedChangeKmh {
		return send(ReasonSpeedChanged)
	}

	if fix.Heading != nil && last.Heading != nil &&
		geo.AngleDeltaDegrees(*fix.Heading, *last.Heading) >= cfg.HeadingChangeDeg {
		return send(ReasonDirectionChanged)
	}

	moving := speedKmh > cfg.StoppedKmh
	if moving != state.Moving {
		if moving {
			return send(ReasonStartedMoving)
		}
		return send(ReasonStopped)
	}

	return skip(ReasonNoChange)
}

// Commit returns the state after fix has been transmitted at now.
func (s State) Commit(fix Fix, now time.Time, cfg Config) State {
	return State{
		LastSynced: &SyncedFix{
			Latitude:  fix.Latitude,
			Longitude: fix.Longitude,
			Speed:     fix.Speed,
			Heading:   fix.Heading,
			Timestamp: fix.Timestamp,
		},
		LastSyncTime: now,
		Moving:       kmh(fix.Speed) > cfg.StoppedKmh,
	}
}

// kmh converts meters per second; an unknown speed counts as standing still.
func kmh(ms *float64) float64 {
	if ms == nil {
		return 0
	}
	return *ms * msToKmh
}
