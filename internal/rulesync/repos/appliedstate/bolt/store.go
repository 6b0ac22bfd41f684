package bolt

import (
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/synchronizer"
)

var _ synchronizer.AppliedState = (*Store)(nil)

var (
	// bucketApplied holds one nested bucket per backend; keys are domains and
	// values are JSON-encoded EffectiveDecisions.
	bucketApplied = []byte("applied")
	bucketMeta    = []byte("meta")
	keyUpdated    = []byte("updated")
)

// Store is a durable AppliedState backed by bbolt, so a restart does not
// forget what was pushed and can still retract lapsed domains.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open applied state %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketApplied); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init applied state buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Load returns every decision recorded for backend, keyed by domain.
// Values that no longer decode are logged and dropped from the bucket;
// a domain lost this way is re-applied if a rule still covers it.
func (s *Store) Load(backend string) (map[string]domain.EffectiveDecision, error) {
	out := make(map[string]domain.EffectiveDecision)
	var corrupt [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApplied).Bucket([]byte(backend))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var d domain.EffectiveDecision
			if err := json.Unmarshal(v, &d); err != nil {
				log.Warn(map[string]any{"backend": backend, "domain": string(k), "error": err}, "Dropping undecodable applied state")
				corrupt = append(corrupt, append([]byte(nil), k...))
				return nil
			}
			out[string(k)] = d
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(corrupt) > 0 {
		err = s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketApplied).Bucket([]byte(backend))
			for _, k := range corrupt {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return touch(tx)
		})
		if err != nil {
			return nil, fmt.Errorf("drop undecodable %s entries: %w", backend, err)
		}
	}
	return out, nil
}

// Put records d as applied to backend, replacing any previous entry for d.Domain.
func (s *Store) Put(backend string, d domain.EffectiveDecision) error {
	v, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", backend, d.Domain, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketApplied).CreateBucketIfNotExists([]byte(backend))
		if err != nil {
			return err
		}
		if err := b.Put([]byte(d.Domain), v); err != nil {
			return err
		}
		return touch(tx)
	})
}

// Delete removes the entry for name under backend. Missing entries are not an error.
func (s *Store) Delete(backend, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApplied).Bucket([]byte(backend))
		if b == nil {
			return nil
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		return touch(tx)
	})
}

// Updated returns when the state was last written, or the zero time.
func (s *Store) Updated() time.Time {
	var ts time.Time
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyUpdated); v != nil {
			_ = ts.UnmarshalBinary(v)
		}
		return nil
	})
	return ts
}

func touch(tx *bbolt.Tx) error {
	v, err := time.Now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put(keyUpdated, v)
}
