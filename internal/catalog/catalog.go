// Package catalog is the persistence/lookup boundary for file records:
// identity to provider resolution, name collision checks and access
// checks.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fruitsalade/provsync/internal/models"
)

var (
	// ErrNotFound is returned for unknown file identities.
	ErrNotFound = errors.New("file record not found")

	// ErrNameTaken is returned when a record would duplicate an owner's
	// file name on a provider.
	ErrNameTaken = errors.New("file name already taken")
)

// AccessLevel is the capability being checked.
type AccessLevel int

const (
	// AccessRead allows reading and copying a file.
	AccessRead AccessLevel = iota
	// AccessOwner allows moving, renaming and deleting a file.
	AccessOwner
)

func (l AccessLevel) String() string {
	if l == AccessOwner {
		return "owner"
	}
	return "read"
}

// Catalog resolves and mutates file records.
type Catalog interface {
	Lookup(ctx context.Context, id models.FileID) (*models.FileRecord, error)
	NameExists(ctx context.Context, providerID, ownerID int, name string) (bool, error)
	// Register stores a new record and returns it with its assigned ID.
	Register(ctx context.Context, rec models.FileRecord) (*models.FileRecord, error)
	Relocate(ctx context.Context, id models.FileID, providerID int) error
	Rename(ctx context.Context, id models.FileID, name string) error
	UpdateContent(ctx context.Context, id models.FileID, size int64, mod time.Time) error
	Remove(ctx context.Context, id models.FileID) error
	HasAccess(ctx context.Context, principal string, id models.FileID, level AccessLevel) (bool, error)
}

// Memory is an in-process Catalog.
type Memory struct {
	mu      sync.RWMutex
	records map[models.FileID]*models.FileRecord
	grants  map[models.FileID]map[string]AccessLevel
	admins  map[string]bool
	nextID  int
}

// NewMemory creates an empty catalog. IDs are assigned from 1.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[models.FileID]*models.FileRecord),
		grants:  make(map[models.FileID]map[string]AccessLevel),
		admins:  make(map[string]bool),
		nextID:  1,
	}
}

// Put inserts rec as is, keeping its ID.
func (m *Memory) Put(rec models.FileRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := rec
	m.records[rec.ID] = &r
	if n, err := strconv.Atoi(string(rec.ID)); err == nil && n >= m.nextID {
		m.nextID = n + 1
	}
}

// Grant gives principal level access to id.
func (m *Memory) Grant(id models.FileID, principal string, level AccessLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[id] == nil {
		m.grants[id] = make(map[string]AccessLevel)
	}
	m.grants[id][principal] = level
}

// SetAdmin gives principal owner access to every record.
func (m *Memory) SetAdmin(principal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[principal] = true
}

// All returns copies of every record ordered by ID.
func (m *Memory) All() []models.FileRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FileRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Lookup(_ context.Context, id models.FileID) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (m *Memory) NameExists(_ context.Context, providerID, ownerID int, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ProviderID == providerID && r.OwnerID == ownerID && r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Register(_ context.Context, rec models.FileRecord) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ProviderID == rec.ProviderID && r.OwnerID == rec.OwnerID && r.Name == rec.Name {
			return nil, fmt.Errorf("register %q on provider %d: %w", rec.Name, rec.ProviderID, ErrNameTaken)
		}
	}
	rec.ID = models.FileID(strconv.Itoa(m.nextID))
	m.nextID++
	r := rec
	m.records[rec.ID] = &r
	return &rec, nil
}

func (m *Memory) mutate(id models.FileID, fn func(r *models.FileRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	fn(r)
	return nil
}

func (m *Memory) Relocate(_ context.Context, id models.FileID, providerID int) error {
	return m.mutate(id, func(r *models.FileRecord) { r.ProviderID = providerID })
}

func (m *Memory) Rename(_ context.Context, id models.FileID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	for other, r := range m.records {
		if other != id && r.ProviderID == rec.ProviderID && r.OwnerID == rec.OwnerID && r.Name == name {
			return fmt.Errorf("rename %s: %w", id, ErrNameTaken)
		}
	}
	rec.Name = name
	return nil
}

func (m *Memory) UpdateContent(_ context.Context, id models.FileID, size int64, mod time.Time) error {
	return m.mutate(id, func(r *models.FileRecord) {
		r.Size = size
		r.ModTime = mod
	})
}

func (m *Memory) Remove(_ context.Context, id models.FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	delete(m.records, id)
	delete(m.grants, id)
	return nil
}

// HasAccess grants owner access to the record's owner and to admins;
// other principals need an explicit grant.
func (m *Memory) HasAccess(_ context.Context, principal string, id models.FileID, level AccessLevel) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return false, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if m.admins[principal] || (principal != "" && r.OwnerLogin == principal) {
		return true, nil
	}
	granted, ok := m.grants[id][principal]
	return ok && granted >= level, nil
}
