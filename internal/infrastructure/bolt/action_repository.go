package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	domainAction "github.com/constituent/constituent/internal/domain/action"
)

var (
	bucketActions     = []byte("actions")
	bucketTransitions = []byte("action_state_transitions")
)

// ActionRepository implements action.Repository on a single bbolt file.
// Every mutation commits (and fsyncs) before returning, so the on-disk
// state survives a crash and is the source of truth on restart.
type ActionRepository struct {
	db *bbolt.DB
}

// Open creates or opens the store file and ensures its buckets exist.
func Open(path string) (*ActionRepository, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketActions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTransitions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init store buckets: %w", err)
	}
	return &ActionRepository{db: db}, nil
}

// Close releases the store file.
func (r *ActionRepository) Close() error {
	return r.db.Close()
}

func (r *ActionRepository) Create(ctx context.Context, a *domainAction.Action) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketActions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		a.ID = int64(seq)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(itob(a.ID), data)
	})
}

func (r *ActionRepository) GetByID(ctx context.Context, id int64) (*domainAction.Action, error) {
	var a *domainAction.Action
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketActions).Get(itob(id))
		if data == nil {
			return nil
		}
		a = &domainAction.Action{}
		return json.Unmarshal(data, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *ActionRepository) List(ctx context.Context, filter domainAction.Filter, limit, offset int) ([]*domainAction.Action, error) {
	var all []*domainAction.Action
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketActions).ForEach(func(_, data []byte) error {
			var a domainAction.Action
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			if matches(&a, filter) {
				all = append(all, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *ActionRepository) Update(ctx context.Context, a *domainAction.Action, expected domainAction.Status) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketActions)
		key := itob(a.ID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%w: %d", domainAction.ErrNotFound, a.ID)
		}
		var current domainAction.Action
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Status != expected {
			return domainAction.ErrConflict
		}
		updated, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

func (r *ActionRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domainAction.Action, error) {
	return r.scan(limit, func(a *domainAction.Action) bool {
		return a.Status == domainAction.StatusRetryScheduled &&
			a.RetryAt != nil && !a.RetryAt.After(now)
	})
}

func (r *ActionRepository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*domainAction.Action, error) {
	return r.scan(limit, func(a *domainAction.Action) bool {
		return a.Status == domainAction.StatusPending && !a.CreatedAt.After(cutoff)
	})
}

func (r *ActionRepository) RecordTransition(ctx context.Context, tr *domainAction.StateTransition) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		tr.ID = int64(seq)
		data, err := json.Marshal(tr)
		if err != nil {
			return err
		}
		return b.Put(transitionKey(tr.ActionID, tr.ID), data)
	})
}

func (r *ActionRepository) GetTransitions(ctx context.Context, actionID int64) ([]*domainAction.StateTransition, error) {
	var transitions []*domainAction.StateTransition
	prefix := itob(actionID)
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tr domainAction.StateTransition
			if err := json.Unmarshal(v, &tr); err != nil {
				return err
			}
			transitions = append(transitions, &tr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transitions, nil
}

func (r *ActionRepository) scan(limit int, keep func(*domainAction.Action) bool) ([]*domainAction.Action, error) {
	var out []*domainAction.Action
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a domainAction.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if keep(&a) {
				out = append(out, &a)
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matches(a *domainAction.Action, f domainAction.Filter) bool {
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Level != nil && a.Level != *f.Level {
		return false
	}
	if f.ActionType != nil && a.ActionType != *f.ActionType {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && a.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func transitionKey(actionID, seq int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(actionID))
	binary.BigEndian.PutUint64(k[8:], uint64(seq))
	return k
}
