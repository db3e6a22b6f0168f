// Package agentstore keeps the tracking device's identity and sync state in a
// local bbolt file so the agent survives restarts.
package agentstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"crewmap/syncengine"
)

const (
	bucketName  = "agent"
	identityKey = "identity"
	stateKey    = "sync_state"
)

// ErrNoIdentity means the device has not joined a crew yet.
var ErrNoIdentity = errors.New("no identity stored; run `crewtrack join` first")

// Identity is what the device remembers after joining a crew.
type Identity struct {
	DriverID string    `json:"driver_id"`
	CrewID   string    `json:"crew_id"`
	CrewCode string    `json:"crew_code"`
	Nickname string    `json:"nickname"`
	Color    string    `json:"color"`
	Server   string    `json:"server"`
	JoinedAt time.Time `json:"joined_at"`
}

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening agent store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveIdentity(id Identity) error {
	return s.put(identityKey, id)
}

func (s *Store) LoadIdentity() (Identity, error) {
	var id Identity
	found, err := s.get(identityKey, &id)
	if err != nil {
		return id, err
	}
	if !found {
		return id, ErrNoIdentity
	}
	return id, nil
}

// LoadState returns the zero State when nothing was saved yet.
func (s *Store) LoadState() (syncengine.State, error) {
	var st syncengine.State
	_, err := s.get(stateKey, &st)
	return st, err
}

func (s *Store) SaveState(st syncengine.State) error {
	return s.put(stateKey, st)
}

// ResetState forgets the last synced fix, so the next one is sent as a first position.
func (s *Store) ResetState() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(stateKey))
	})
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
}

func (s *Store) get(key string, v any) (bool, error) {
	var data []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		// Get's slice is only valid inside the transaction.
		if raw := tx.Bucket([]byte(bucketName)).Get([]byte(key)); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	}); err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}
