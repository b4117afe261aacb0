// Package tenant manages the tenant registry: the set of principals
// with isolated OAuth credentials and token state, looked up by id for
// credential resolution and by opaque API key for inbound session auth.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/xmcp-labs/xmcp-go/internal/storage"
)

// DefaultTenantID is the implicit singleton tenant in single-tenant mode.
const DefaultTenantID = "default"

// apiKeyPrefix marks keys minted by this server, which helps operators
// recognize them in configs and support tickets.
const apiKeyPrefix = "xmcp_"

// Sentinel errors for tenant lookups.
var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrDuplicateTenant = errors.New("tenant id already registered")
)

// clone copies a record so callers never share memory with the
// registry's internal state; rotation mutates that state under the
// registry lock.
func clone(rec *storage.TenantRecord) *storage.TenantRecord {
	c := *rec
	return &c
}

// registryFile is the on-disk registry format.
type registryFile struct {
	Users []*storage.TenantRecord `json:"users"`
}

// Registry holds all registered tenants, indexed by id and by API key.
// Post-creation mutations are API key rotation and deletion.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*storage.TenantRecord
	byKey map[string]*storage.TenantRecord

	path   string
	db     *storage.BoltDB
	logger *zap.Logger
}

// NewRegistry creates an empty registry backed by the given database.
func NewRegistry(db *storage.BoltDB, logger *zap.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*storage.TenantRecord),
		byKey:  make(map[string]*storage.TenantRecord),
		db:     db,
		logger: logger.Named("tenant-registry"),
	}
}

// LoadFile reads the registry file and replaces the in-memory state.
// A missing or unparseable file is a hard error: a process that cannot
// know its tenants must not serve. An empty user list is valid.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tenant registry %s: %w", path, err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse tenant registry %s: %w", path, err)
	}

	byID := make(map[string]*storage.TenantRecord, len(file.Users))
	byKey := make(map[string]*storage.TenantRecord, len(file.Users))
	for _, rec := range file.Users {
		if rec.UserID == "" {
			return fmt.Errorf("tenant registry %s: entry with empty userId", path)
		}
		if _, dup := byID[rec.UserID]; dup {
			return fmt.Errorf("tenant registry %s: duplicate userId %q", path, rec.UserID)
		}
		if rec.APIKey != "" {
			if _, dup := byKey[rec.APIKey]; dup {
				return fmt.Errorf("tenant registry %s: duplicate apiKey for userId %q", path, rec.UserID)
			}
			byKey[rec.APIKey] = rec
		}
		byID[rec.UserID] = rec
	}

	r.mu.Lock()
	r.path = path
	r.byID = byID
	r.byKey = byKey
	r.mu.Unlock()

	if r.db != nil {
		for _, rec := range byID {
			if err := r.db.SaveTenant(clone(rec)); err != nil {
				r.logger.Warn("failed to mirror tenant to storage",
					zap.String("tenant", rec.UserID), zap.Error(err))
			}
		}
	}

	r.logger.Info("tenant registry loaded",
		zap.String("path", path),
		zap.Int("tenants", len(byID)))
	return nil
}

// Register adds a new tenant. A fresh API key is minted when none is
// given; the caller is responsible for showing it to the user exactly
// once, it is never logged.
func (r *Registry) Register(name, clientID, clientSecret, callbackURL string) (*storage.TenantRecord, error) {
	rec := &storage.TenantRecord{
		UserID:       uuid.NewString(),
		APIKey:       apiKeyPrefix + oauth2.GenerateVerifier(),
		Name:         name,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CallbackURL:  callbackURL,
		Created:      time.Now(),
	}

	r.mu.Lock()
	if _, dup := r.byID[rec.UserID]; dup {
		r.mu.Unlock()
		return nil, ErrDuplicateTenant
	}
	r.byID[rec.UserID] = rec
	r.byKey[rec.APIKey] = rec
	snapshot := clone(rec)
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		return nil, err
	}

	r.logger.Info("tenant registered",
		zap.String("tenant", rec.UserID),
		zap.String("name", rec.Name))
	return clone(rec), nil
}

// RotateAPIKey replaces a tenant's API key and returns the new key. The
// old key stops authenticating new connections immediately; sessions
// already bound keep running until transport close.
func (r *Registry) RotateAPIKey(tenantID string) (string, error) {
	newKey := apiKeyPrefix + oauth2.GenerateVerifier()

	r.mu.Lock()
	rec, ok := r.byID[tenantID]
	if !ok {
		r.mu.Unlock()
		return "", ErrTenantNotFound
	}
	delete(r.byKey, rec.APIKey)
	rec.APIKey = newKey
	r.byKey[newKey] = rec
	snapshot := clone(rec)
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		return "", err
	}

	r.logger.Info("tenant API key rotated", zap.String("tenant", tenantID))
	return newKey, nil
}

// Delete removes a tenant from the registry, the database and the
// registry file. The tenant's token record is the caller's problem.
func (r *Registry) Delete(tenantID string) error {
	r.mu.Lock()
	rec, ok := r.byID[tenantID]
	if !ok {
		r.mu.Unlock()
		return ErrTenantNotFound
	}
	delete(r.byID, tenantID)
	delete(r.byKey, rec.APIKey)
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.DeleteTenant(tenantID); err != nil {
			return fmt.Errorf("failed to delete tenant: %w", err)
		}
	}
	if err := r.writeFile(); err != nil {
		return err
	}

	r.logger.Info("tenant deleted", zap.String("tenant", tenantID))
	return nil
}

// persist mirrors a record to bolt and rewrites the registry file.
func (r *Registry) persist(rec *storage.TenantRecord) error {
	if r.db != nil {
		if err := r.db.SaveTenant(rec); err != nil {
			return fmt.Errorf("failed to persist tenant: %w", err)
		}
	}
	return r.writeFile()
}

// writeFile rewrites the registry file from the in-memory state.
func (r *Registry) writeFile() error {
	r.mu.RLock()
	path := r.path
	file := registryFile{Users: make([]*storage.TenantRecord, 0, len(r.byID))}
	for _, rec := range r.byID {
		// snapshot: serialization happens outside the lock
		file.Users = append(file.Users, clone(rec))
	}
	r.mu.RUnlock()

	if path == "" {
		return nil
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize tenant registry: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write tenant registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move tenant registry into place: %w", err)
	}
	return nil
}

// Get returns the tenant with the given id.
func (r *Registry) Get(tenantID string) (*storage.TenantRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return clone(rec), nil
}

// GetByAPIKey returns the tenant owning the given opaque key.
func (r *Registry) GetByAPIKey(apiKey string) (*storage.TenantRecord, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byKey[apiKey]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return clone(rec), nil
}

// List returns all registered tenants.
func (r *Registry) List() []*storage.TenantRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*storage.TenantRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, clone(rec))
	}
	return out
}

// Watch reloads the registry when its file changes on disk, until ctx
// is cancelled. Reload failures keep the previous state.
func (r *Registry) Watch(ctx context.Context) error {
	r.mu.RLock()
	path := r.path
	r.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("registry has no backing file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					r.logger.Warn("registry reload failed, keeping previous state", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
