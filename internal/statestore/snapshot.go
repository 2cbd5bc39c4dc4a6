package statestore

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
)

// Snapshot backing: a bbolt database, one bucket per bounded table. bbolt's
// own copy-on-write commit protocol is what gives spec.md §4.4's "on
// snapshot failure the old snapshot is retained" for free — a failed or
// interrupted bolt.DB.Update never touches the previously committed pages.
var (
	bucketCompletedFolders = []byte("completed_folders")
	bucketFingerprints     = []byte("file_fingerprints")
	bucketPending          = []byte("pending_folders")
	bucketRetries          = []byte("retry_counters")
)

// orderKey holds the JSON-encoded insertion-order key list for a bounded
// bucket (completed_folders, file_fingerprints), stored as a single value
// inside that same bucket. bbolt's ForEach walks keys in B+Tree lexical
// order, not insertion order, so the eviction-oldest-first policy in
// bounded.go needs this explicit record to survive a snapshot round trip.
var orderKey = []byte("\x00order")

func decodeOrder(b *bolt.Bucket) []string {
	data := b.Get(orderKey)
	if data == nil {
		return nil
	}
	var order []string
	if err := json.Unmarshal(data, &order); err != nil {
		return nil
	}
	return order
}

func encodeOrder(b *bolt.Bucket, order []string) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return b.Put(orderKey, data)
}

func openSnapshotDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: open snapshot db")
	}
	return db, nil
}

// loadSnapshot populates a fresh Table from the bbolt snapshot.
func loadSnapshot(db *bolt.DB) (*Table, error) {
	t := newTable()
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompletedFolders)
		if b == nil {
			return nil
		}
		if order := decodeOrder(b); order != nil {
			for _, key := range order {
				if b.Get([]byte(key)) != nil {
					t.completedFolders.add(key, nil)
				}
			}
			return nil
		}
		// No recorded order (snapshot predates this fix): fall back to
		// bbolt's lexical key order rather than failing the load.
		return b.ForEach(func(k, _ []byte) error {
			if string(k) == string(orderKey) {
				return nil
			}
			t.completedFolders.add(string(k), nil)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: load completed_folders")
	}

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)
		if b == nil {
			return nil
		}
		loadOne := func(key string, v []byte) {
			var fp FileFingerprint
			if err := json.Unmarshal(v, &fp); err != nil {
				// Corrupt single record: skip it rather than fail the
				// whole load (spec.md §4.4 load-failure tolerance).
				return
			}
			t.fileFingerprints.put(key, fp, nil)
		}
		if order := decodeOrder(b); order != nil {
			for _, key := range order {
				if v := b.Get([]byte(key)); v != nil {
					loadOne(key, v)
				}
			}
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if string(k) == string(orderKey) {
				return nil
			}
			loadOne(string(k), v)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: load file_fingerprints")
	}

	err = db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPending); b != nil {
			return b.ForEach(func(k, v []byte) error {
				var ts time.Time
				if err := ts.UnmarshalBinary(v); err != nil {
					return nil
				}
				t.pendingFolders[string(k)] = ts
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: load pending_folders")
	}

	err = db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketRetries); b != nil {
			return b.ForEach(func(k, v []byte) error {
				var n int
				if err := json.Unmarshal(v, &n); err != nil {
					return nil
				}
				t.retryCounters[string(k)] = n
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "statestore: load retry_counters")
	}

	return t, nil
}

// writeSnapshot dumps every bounded table into the bbolt db in one
// transaction. A failure (disk full, etc.) rolls back entirely, leaving the
// previous snapshot file untouched on disk.
func writeSnapshot(db *bolt.DB, t *Table) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCompletedFolders, bucketFingerprints, bucketPending, bucketRetries} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}

		bcf, err := tx.CreateBucket(bucketCompletedFolders)
		if err != nil {
			return err
		}
		completedOrder := t.completedFolders.items()
		for _, folder := range completedOrder {
			if err := bcf.Put([]byte(folder), []byte{1}); err != nil {
				return err
			}
		}
		if err := encodeOrder(bcf, completedOrder); err != nil {
			return err
		}

		bfp, err := tx.CreateBucket(bucketFingerprints)
		if err != nil {
			return err
		}
		for _, key := range t.fileFingerprints.order {
			fp := t.fileFingerprints.vals[key].(FileFingerprint)
			data, err := json.Marshal(fp)
			if err != nil {
				return err
			}
			if err := bfp.Put([]byte(key), data); err != nil {
				return err
			}
		}
		if err := encodeOrder(bfp, t.fileFingerprints.order); err != nil {
			return err
		}

		bp, err := tx.CreateBucket(bucketPending)
		if err != nil {
			return err
		}
		for folder, ts := range t.pendingFolders {
			data, err := ts.MarshalBinary()
			if err != nil {
				return err
			}
			if err := bp.Put([]byte(folder), data); err != nil {
				return err
			}
		}

		brc, err := tx.CreateBucket(bucketRetries)
		if err != nil {
			return err
		}
		for folder, n := range t.retryCounters {
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := brc.Put([]byte(folder), data); err != nil {
				return err
			}
		}
		return nil
	})
}

