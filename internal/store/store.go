// Package store persists trained models and their training histories in a
// bbolt database.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hed1ad/seqguard/pkg/detectors/socsvm"
)

const (
	modelsBucket  = "models"  // Latest model per name
	historyBucket = "history" // Training iterates, keyed name_timestamp
)

// ErrNotFound is returned when no model has the requested name.
var ErrNotFound = errors.New("model not found")

// Record is a stored model together with what is needed to rebuild the
// structured object it was trained on.
type Record struct {
	Name       string        `json:"name"`
	CreatedAt  time.Time     `json:"created_at"`
	ModelType  string        `json:"model_type"`
	States     int           `json:"states"`
	Channels   int           `json:"channels"`
	Centered   bool          `json:"centered"`
	Mean       []float64     `json:"mean,omitempty"` // Per-channel training mean when Centered
	Threshold  float64       `json:"threshold"`
	Iterations int           `json:"iterations"`
	Converged  bool          `json:"converged"`
	Model      *socsvm.Model `json:"model"`
}

// Run is the training history of one Put.
type Run struct {
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"created_at"`
	History   []socsvm.Iterate `json:"history"`
}

// Store is a bbolt-backed model registry.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(modelsBucket)); err != nil {
			return fmt.Errorf("create models bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(historyBucket)); err != nil {
			return fmt.Errorf("create history bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores rec under rec.Name, replacing any previous model, and appends
// history as a new run.
func (s *Store) Put(rec Record, history []socsvm.Iterate) error {
	if rec.Name == "" {
		return errors.New("model name is required")
	}
	if rec.Model == nil {
		return errors.New("record has no model")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal model: %w", err)
		}
		if err := tx.Bucket([]byte(modelsBucket)).Put([]byte(rec.Name), data); err != nil {
			return err
		}

		run, err := json.Marshal(Run{Name: rec.Name, CreatedAt: rec.CreatedAt, History: history})
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		return tx.Bucket([]byte(historyBucket)).Put(runKey(rec.Name, rec.CreatedAt), run)
	})
}

// Get returns the model stored under name.
func (s *Store) Get(name string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(modelsBucket)).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// List returns the stored model names in key order.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(modelsBucket)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Delete removes the model stored under name and its runs.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		models := tx.Bucket([]byte(modelsBucket))
		if models.Get([]byte(name)) == nil {
			return fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		if err := models.Delete([]byte(name)); err != nil {
			return err
		}

		var keys [][]byte
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		prefix := runPrefix(name)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := c.Bucket().Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Runs returns the training runs of name, oldest first. Malformed entries are
// skipped.
func (s *Store) Runs(name string) ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		prefix := runPrefix(name)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			runs = append(runs, r)
		}
		return nil
	})
	return runs, err
}

// runKey orders the runs of one model by time. The NUL separator keeps one
// name from being a prefix of another's keys.
func runKey(name string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d", name, at.UnixNano()))
}

func runPrefix(name string) []byte {
	return []byte(name + "\x00")
}
