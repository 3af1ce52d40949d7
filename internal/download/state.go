// Package download implements the resumable, bounded-concurrency shard
// fetch orchestrator (spec §4.B collaborator, §5 "Download concurrency").
// © 2025 moe-engine authors. MIT License.
package download

import (
	"encoding/json"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// Status mirrors spec §3's Download state enum.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// State is the per-model download bookkeeping persisted so an interrupted
// download resumes instead of restarting (spec §3, §6 persistent layout
// "{root}/download-state/{model-id}").
type State struct {
	BaseURL   string     `json:"baseUrl"`
	Completed map[int]bool `json:"completed"`
	Status    Status     `json:"status"`
	LastError string     `json:"lastError,omitempty"`
}

// StateStore persists State blobs in an embedded Badger database, adapted
// from the teacher's examples/disk_eject L2-persistence pattern.
type StateStore struct {
	db *badger.DB
}

// OpenStateStore opens the download-state database rooted at root.
func OpenStateStore(root string) (*StateStore, error) {
	opts := badger.DefaultOptions(filepath.Join(root, "download-state")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error { return s.db.Close() }

func (s *StateStore) Load(modelID string) (*State, bool) {
	var st State
	found := false
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(modelID))
		if err != nil {
			return nil
		}
		return item.Value(func(b []byte) error {
			if json.Unmarshal(b, &st) == nil {
				found = true
			}
			return nil
		})
	})
	if !found {
		return nil, false
	}
	return &st, true
}

func (s *StateStore) Save(modelID string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(modelID), data)
	})
}

// Delete destroys the persisted state (spec §3: "Destroyed on successful
// completion or explicit cancel" — cancel here means user-requested
// removal, not cooperative cancellation, which instead checkpoints Paused).
func (s *StateStore) Delete(modelID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(modelID))
	})
}
