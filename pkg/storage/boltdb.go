package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/beedrive/pkg/types"
)

var (
	// Bucket names
	bucketTransfers = []byte("transfers")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "beedrive.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTransfers); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketTransfers, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutTransfer stores rec, replacing any record with the same UUID
func (s *BoltStore) PutTransfer(rec *types.TransferRecord) error {
	if rec.UUID == "" {
		return fmt.Errorf("transfer record has no uuid")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.UUID), data)
	})
}

// Record satisfies manager.Recorder
func (s *BoltStore) Record(rec *types.TransferRecord) error {
	return s.PutTransfer(rec)
}

func (s *BoltStore) GetTransfer(uuid string) (*types.TransferRecord, error) {
	var rec types.TransferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTransfers).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, uuid)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTransfers returns every record, most recently finished first
func (s *BoltStore) ListTransfers() ([]*types.TransferRecord, error) {
	return s.list(func(*types.TransferRecord) bool { return true })
}

// ListTransfersByUser returns the records of one user, most recent first
func (s *BoltStore) ListTransfersByUser(user string) ([]*types.TransferRecord, error) {
	return s.list(func(rec *types.TransferRecord) bool { return rec.User == user })
}

func (s *BoltStore) list(keep func(*types.TransferRecord) bool) ([]*types.TransferRecord, error) {
	var records []*types.TransferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).ForEach(func(k, v []byte) error {
			var rec types.TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if keep(&rec) {
				records = append(records, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	return records, nil
}

func (s *BoltStore) DeleteTransfer(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).Delete([]byte(uuid))
	})
}

// Prune deletes records that finished before the cutoff and returns how
// many were removed
func (s *BoltStore) Prune(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec types.TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.FinishedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
