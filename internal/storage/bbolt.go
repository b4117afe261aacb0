// Package storage wraps the bbolt database holding tenants, token
// records and pending authorization flows.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Sentinel errors for record lookups.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTokenNotFound  = errors.New("token record not found")
	ErrFlowNotFound   = errors.New("pending flow not found")
)

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(dataDir string, logger *zap.Logger) (*BoltDB, error) {
	dbPath := filepath.Join(dataDir, "xmcp.db")

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	boltDB := &BoltDB{
		db:     db,
		logger: logger.Named("storage"),
	}

	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return boltDB, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// initBuckets creates required buckets and sets up schema
func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			TenantsBucket,
			OAuthTokenBucket,
			PendingFlowsBucket,
			MetaBucket,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		metaBucket := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return metaBucket.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the current schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}

		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})

	return version, err
}

// Tenant operations

// SaveTenant saves a tenant record keyed by its user id
func (b *BoltDB) SaveTenant(record *TenantRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TenantsBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.UserID), data)
	})
}

// GetTenant retrieves a tenant record by user id
func (b *BoltDB) GetTenant(userID string) (*TenantRecord, error) {
	var record *TenantRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TenantsBucket))
		data := bucket.Get([]byte(userID))
		if data == nil {
			return ErrTenantNotFound
		}

		record = &TenantRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// ListTenants returns all tenant records
func (b *BoltDB) ListTenants() ([]*TenantRecord, error) {
	var records []*TenantRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TenantsBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &TenantRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})

	return records, err
}

// DeleteTenant deletes a tenant record
func (b *BoltDB) DeleteTenant(userID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TenantsBucket))
		return bucket.Delete([]byte(userID))
	})
}

// Token operations

// SaveToken stores a token record for a tenant
func (b *BoltDB) SaveToken(tenantID string, record *TokenRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(OAuthTokenBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(tenantID), data)
	})
}

// GetToken retrieves a token record for a tenant
func (b *BoltDB) GetToken(tenantID string) (*TokenRecord, error) {
	var record *TokenRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(OAuthTokenBucket))
		data := bucket.Get([]byte(tenantID))
		if data == nil {
			return ErrTokenNotFound
		}

		record = &TokenRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// DeleteToken deletes the token record for a tenant
func (b *BoltDB) DeleteToken(tenantID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(OAuthTokenBucket))
		return bucket.Delete([]byte(tenantID))
	})
}

// Pending flow operations

// PutPendingFlow stores a pending authorization flow keyed by its state token
func (b *BoltDB) PutPendingFlow(record *PendingFlowRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(PendingFlowsBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.State), data)
	})
}

// TakePendingFlow retrieves and deletes a pending flow in one
// transaction. A second take of the same state fails with
// ErrFlowNotFound, which is what makes flows single-use.
func (b *BoltDB) TakePendingFlow(state string) (*PendingFlowRecord, error) {
	var record *PendingFlowRecord

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(PendingFlowsBucket))
		data := bucket.Get([]byte(state))
		if data == nil {
			return ErrFlowNotFound
		}

		record = &PendingFlowRecord{}
		if err := record.UnmarshalBinary(data); err != nil {
			return err
		}
		return bucket.Delete([]byte(state))
	})

	return record, err
}

// PurgeExpiredFlows removes pending flows older than maxAge and returns
// how many were removed.
func (b *BoltDB) PurgeExpiredFlows(maxAge time.Duration) (int, error) {
	purged := 0
	cutoff := time.Now().Add(-maxAge)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(PendingFlowsBucket))

		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			record := &PendingFlowRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				// Unparseable entries are stale by definition.
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if record.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})

	return purged, err
}
