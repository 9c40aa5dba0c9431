// Package store persists the node instance's bookkeeping across
// process restarts: the pid-file triple each slot writes while its
// worker is alive, the reservation served-count, and the restart
// policy flags a reservation set on the way in.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPIDFiles = []byte("pid_files")
	bucketNode     = []byte("node")
)

const nodeStateKey = "state"

// PIDFile is the liveness triple a slot's pid_file records: the
// worker's own pid, its parent's pid, and the spawner process that
// launched it. The cleanup engine reads these records at boot to
// kill any pid still alive and then drops the records.
type PIDFile struct {
	PID        int `json:"pid"`
	PPID       int `json:"ppid"`
	SpawnerPID int `json:"spawner_pid"`
}

// NodeState is the small amount of node-wide state that must survive
// a node process restart: how many reservations have been served so
// far, and whether the operator's restart policy is in effect.
type NodeState struct {
	Served         int  `json:"served"`
	RestartServers bool `json:"restart_servers"`
}

// Store is the bbolt-backed persistence layer for a single node
// instance's directory.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the node instance database under
// dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "dispycosnode.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPIDFiles, bucketNode} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutPIDFile records the liveness triple for slotName.
func (s *Store) PutPIDFile(slotName string, pf PIDFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pf)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPIDFiles).Put([]byte(slotName), data)
	})
}

// GetPIDFile returns the recorded triple for slotName, or ok=false if
// none is present.
func (s *Store) GetPIDFile(slotName string) (pf PIDFile, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPIDFiles).Get([]byte(slotName))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &pf)
	})
	return pf, ok, err
}

// RemovePIDFile deletes the recorded triple for slotName.
func (s *Store) RemovePIDFile(slotName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPIDFiles).Delete([]byte(slotName))
	})
}

// ListPIDFiles returns every currently recorded slot name and triple,
// used at boot to find and clean up stale instances.
func (s *Store) ListPIDFiles() (map[string]PIDFile, error) {
	out := make(map[string]PIDFile)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPIDFiles).ForEach(func(k, v []byte) error {
			var pf PIDFile
			if err := json.Unmarshal(v, &pf); err != nil {
				return err
			}
			out[string(k)] = pf
			return nil
		})
	})
	return out, err
}

// GetNodeState returns the persisted node-wide state, defaulting to
// zero values if nothing has been saved yet.
func (s *Store) GetNodeState() (NodeState, error) {
	var state NodeState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNode).Get([]byte(nodeStateKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &state)
	})
	return state, err
}

// PutNodeState persists the node-wide state.
func (s *Store) PutNodeState(state NodeState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNode).Put([]byte(nodeStateKey), data)
	})
}
