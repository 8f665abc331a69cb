package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-ledger/internal/expense"
)

const (
	entryBucketName   = "entries"
	profileBucketName = "profile_entries"
)

// DB defines the interface for database operations
type DB interface {
	// SaveEntry saves an entry to the database
	SaveEntry(entry *ExpenseEntry) error

	// GetEntry retrieves an entry by ID
	GetEntry(id string) (*ExpenseEntry, error)

	// ListEntries returns all entries
	ListEntries() ([]*ExpenseEntry, error)

	// ListByProfile returns the entries of one profile
	ListByProfile(profileID string) ([]*ExpenseEntry, error)

	// DeleteEntry removes an entry from the database
	DeleteEntry(id string) error

	// CategoryAverages returns the mean amount per category for a profile
	CategoryAverages(profileID string) (map[expense.Category]decimal.Decimal, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entryBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(profileBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// profileKey orders the index by profile so a prefix scan lists one profile
func profileKey(profileID, id string) []byte {
	return []byte(profileID + "\x00" + id)
}

// SaveEntry saves an entry and indexes it under its profile
func (b *BoltDB) SaveEntry(entry *ExpenseEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entryBucketName))
		index := tx.Bucket([]byte(profileBucketName))

		// An entry moved to another profile must leave the old index
		if old := entries.Get([]byte(entry.ID)); old != nil {
			var prev ExpenseEntry
			if err := json.Unmarshal(old, &prev); err == nil && prev.ProfileID != entry.ProfileID {
				if err := index.Delete(profileKey(prev.ProfileID, prev.ID)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := entries.Put([]byte(entry.ID), data); err != nil {
			return err
		}
		return index.Put(profileKey(entry.ProfileID, entry.ID), []byte(entry.ID))
	})
}

// GetEntry retrieves an entry by ID
func (b *BoltDB) GetEntry(id string) (*ExpenseEntry, error) {
	var entry *ExpenseEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("entry not found: %s", id)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries returns all entries
func (b *BoltDB) ListEntries() ([]*ExpenseEntry, error) {
	entries := make([]*ExpenseEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var entry ExpenseEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListByProfile returns the entries of one profile, ordered by ID
func (b *BoltDB) ListByProfile(profileID string) ([]*ExpenseEntry, error) {
	entries := make([]*ExpenseEntry, 0)
	prefix := []byte(profileID + "\x00")
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		c := tx.Bucket([]byte(profileBucketName)).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := bucket.Get(id)
			if data == nil {
				continue
			}
			var entry ExpenseEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteEntry removes an entry from the database
func (b *BoltDB) DeleteEntry(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}
		var entry ExpenseEntry
		if err := json.Unmarshal(data, &entry); err == nil {
			if err := tx.Bucket([]byte(profileBucketName)).Delete(profileKey(entry.ProfileID, id)); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(id))
	})
}

// CategoryAverages returns the mean amount per category for a profile
func (b *BoltDB) CategoryAverages(profileID string) (map[expense.Category]decimal.Decimal, error) {
	entries, err := b.ListByProfile(profileID)
	if err != nil {
		return nil, err
	}
	return averageByCategory(entries), nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
