package tokenstore

import (
	"context"
	"errors"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
)

// BoltBackend persists token records in the local bbolt database. Same
// durability class as FileBackend, but transactional and shared with
// the tenant registry.
type BoltBackend struct {
	db *storage.BoltDB
}

// NewBoltBackend creates a BoltBackend over the given database.
func NewBoltBackend(db *storage.BoltDB) *BoltBackend {
	return &BoltBackend{db: db}
}

// Name implements Backend.
func (b *BoltBackend) Name() string { return "bolt" }

// Load implements Backend.
func (b *BoltBackend) Load(_ context.Context, tenantID string) (*storage.TokenRecord, error) {
	record, err := b.db.GetToken(tenantID)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Save implements Backend.
func (b *BoltBackend) Save(_ context.Context, tenantID string, record *storage.TokenRecord) error {
	return b.db.SaveToken(tenantID, record)
}

// Clear implements Backend.
func (b *BoltBackend) Clear(_ context.Context, tenantID string) error {
	return b.db.DeleteToken(tenantID)
}
