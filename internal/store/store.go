// Package store implements the daemon's persisted-state layer:
// printers/classes, jobs, and subscriptions are stored as JSON records;
// every Put and Delete commits its record to disk before returning, and
// a dirty bit records whether anything changed since the last Flush.
//
// ipp-usb persists state as one per-device INI file opened and
// rewritten wholesale on each change (devstate.go's DevState.Save()).
// This generalizes that "one record, one on-disk blob, rewritten on
// Save()" shape to every destination/job/subscription at once, but
// swaps the per-file INI rewrite for transactional buckets in a single
// go.etcd.io/bbolt database, since the daemon here tracks many more
// records than one device's state and a single flat file per record
// would mean thousands of small files under the spool root.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDestinations  = []byte("destinations")
	bucketJobs          = []byte("jobs")
	bucketSubscriptions = []byte("subscriptions")
)

// Store wraps a bbolt database file and tracks a dirty bit so Flush can
// be a no-op when nothing changed since the last flush.
type Store struct {
	db *bolt.DB

	mu    sync.Mutex
	dirty bool
}

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDestinations, bucketJobs, bucketSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.Flush()
	return s.db.Close()
}

// markDirty records that an unflushed write happened. bbolt commits
// every Update transaction durably on its own, so this tracks only
// whether a caller-visible Flush is worth doing (e.g. before reporting
// "saved" to an admin command).
func (s *Store) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Flush clears the dirty bit; bbolt has already fsynced each write, so
// this exists for callers that want a synchronization point (shutdown,
// a periodic save-tick) rather than to trigger any I/O itself.
func (s *Store) Flush() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// Dirty reports whether a change has happened since the last Flush.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Store) put(bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", bucket, key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", bucket, key, err)
	}
	s.markDirty()
	return nil
}

func (s *Store) delete(bucket []byte, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", bucket, key, err)
	}
	s.markDirty()
	return nil
}

func (s *Store) forEach(bucket []byte, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// PutDestination persists dest under key name.
func (s *Store) PutDestination(name string, dest any) error {
	return s.put(bucketDestinations, name, dest)
}

// DeleteDestination removes a destination record.
func (s *Store) DeleteDestination(name string) error {
	return s.delete(bucketDestinations, name)
}

// LoadDestinations hands every stored destination's name and raw JSON
// record to decode, which the caller supplies.
func (s *Store) LoadDestinations(decode func(name string, data []byte) error) error {
	return s.forEach(bucketDestinations, func(key string, value []byte) error {
		return decode(key, value)
	})
}

// PutJob persists a job under its numeric id.
func (s *Store) PutJob(id int, job any) error {
	return s.put(bucketJobs, fmt.Sprintf("%d", id), job)
}

// DeleteJob removes a job record.
func (s *Store) DeleteJob(id int) error {
	return s.delete(bucketJobs, fmt.Sprintf("%d", id))
}

// LoadJobs decodes every stored job.
func (s *Store) LoadJobs(decode func(id string, data []byte) error) error {
	return s.forEach(bucketJobs, func(key string, value []byte) error {
		return decode(key, value)
	})
}

// PutSubscription persists a subscription under its numeric id.
func (s *Store) PutSubscription(id int, sub any) error {
	return s.put(bucketSubscriptions, fmt.Sprintf("%d", id), sub)
}

// DeleteSubscription removes a subscription record.
func (s *Store) DeleteSubscription(id int) error {
	return s.delete(bucketSubscriptions, fmt.Sprintf("%d", id))
}

// LoadSubscriptions decodes every stored subscription.
func (s *Store) LoadSubscriptions(decode func(id string, data []byte) error) error {
	return s.forEach(bucketSubscriptions, func(key string, value []byte) error {
		return decode(key, value)
	})
}
