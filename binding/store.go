// Package binding implements the durable mapping from a logical key id to
// the signer instance and backend locator that owns it.
//
// Storage is a single-file BBolt database: one bucket holding a JSON
// record per logical key. A write-through in-memory index is rebuilt from
// the bucket on Open via ForEach and kept consistent with every mutation,
// so lookups never touch disk; BBolt's own transaction durability gives
// the fsync-equivalent-before-success guarantee mutations need.
package binding

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var bindingsBucket = []byte("bindings")

// Record is the persisted value for a logical_key_id.
type Record struct {
	OwningIdentityKeyID string `json:"owning_identity_key_id"`
	BackendLocator      string `json:"backend_locator"`
}

// ErrAlreadyBound is returned by Bind when the logical key already has a record.
var ErrAlreadyBound = errors.New("already bound")

// ErrNotBound is returned by Lookup/Unbind when no record exists for the logical key.
var ErrNotBound = errors.New("not bound")

// Store is a single-writer, many-reader durable mapping of logical_key_id
// to Record. All methods are safe for concurrent use.
type Store struct {
	db *bbolt.DB

	mu    sync.RWMutex
	index map[string]Record
}

// Open opens (creating if absent) a BBolt-backed Store at path and rebuilds
// its in-memory index from the bindings bucket.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "open bbolt db: %s", path)
	}
	return newStore(db)
}

// OpenDB wraps an already-open BBolt database, for callers that manage the
// database handle themselves.
func OpenDB(db *bbolt.DB) (*Store, error) {
	return newStore(db)
}

func newStore(db *bbolt.DB) (*Store, error) {
	s := &Store{db: db, index: make(map[string]Record)}

	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bindingsBucket)
		if err != nil {
			return errors.WithStack(err)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.WithMessagef(err, "corrupt binding record for %s", k)
			}
			s.index[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bind creates a new binding record. Fails with ErrAlreadyBound if
// logicalKeyID already has a record.
func (s *Store) Bind(logicalKeyID, owningIdentityKeyID, backendLocator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[logicalKeyID]; exists {
		return ErrAlreadyBound
	}

	rec := Record{OwningIdentityKeyID: owningIdentityKeyID, BackendLocator: backendLocator}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WithStack(err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bindingsBucket).Put([]byte(logicalKeyID), data)
	})
	if err != nil {
		return errors.WithStack(err)
	}

	s.index[logicalKeyID] = rec
	return nil
}

// Lookup returns the binding record for logicalKeyID, or ErrNotBound.
func (s *Store) Lookup(logicalKeyID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.index[logicalKeyID]
	if !ok {
		return Record{}, ErrNotBound
	}
	return rec, nil
}

// Unbind removes a binding record, idempotently. It returns the prior
// record when one existed, or ErrNotBound when it did not.
func (s *Store) Unbind(logicalKeyID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[logicalKeyID]
	if !ok {
		return Record{}, ErrNotBound
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bindingsBucket).Delete([]byte(logicalKeyID))
	})
	if err != nil {
		return Record{}, errors.WithStack(err)
	}

	delete(s.index, logicalKeyID)
	return rec, nil
}

// RebindAll repoints every binding record owned by oldIdentity to
// newIdentity. Used only for internal consistency repair; ordinary
// identity-based rebinding in the probe engine does not need this because
// bindings are keyed by identity already.
func (s *Store) RebindAll(oldIdentity, newIdentity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type change struct {
		key string
		rec Record
	}
	var changes []change
	for k, rec := range s.index {
		if rec.OwningIdentityKeyID == oldIdentity {
			rec.OwningIdentityKeyID = newIdentity
			changes = append(changes, change{key: k, rec: rec})
		}
	}
	if len(changes) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bindingsBucket)
		for _, c := range changes {
			data, err := json.Marshal(c.rec)
			if err != nil {
				return errors.WithStack(err)
			}
			if err := b.Put([]byte(c.key), data); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, c := range changes {
		s.index[c.key] = c.rec
	}
	return len(changes), nil
}

// ByOwner returns every logical_key_id currently bound to the given
// identity key, used by the probe engine's identity-based rebinding search.
func (s *Store) ByOwner(owningIdentityKeyID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, rec := range s.index {
		if rec.OwningIdentityKeyID == owningIdentityKeyID {
			keys = append(keys, k)
		}
	}
	return keys
}
