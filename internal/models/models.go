// Package models contains the data types shared by the provider,
// cache and sync layers.
package models

import (
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// FileID is the opaque identity of a managed file. It is stable across
// renames and moves.
type FileID string

// FileRecord is what the persistence layer knows about a managed file.
type FileRecord struct {
	ID           FileID    `json:"id"`
	Name         string    `json:"name"`
	ProviderID   int       `json:"provider_id"`
	OwnerID      int       `json:"owner_id"`
	OwnerLogin   string    `json:"owner_login"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mtime"`
	IsCollection bool      `json:"is_collection"`
}

// ProviderKind names the backend implementation of a provider.
type ProviderKind string

const (
	KindLocal ProviderKind = "local"
	KindSMB   ProviderKind = "smb"
	KindSFTP  ProviderKind = "sftp"
	KindS3    ProviderKind = "s3"
)

// Variant tags how a provider is exposed to browsing callers.
type Variant string

const (
	VariantPlain          Variant = "plain"
	VariantVaultBrowsable Variant = "vault_browsable"
)

// ProviderDescriptor configures one remote store. It must not be
// modified while transfers referencing the provider are in flight.
type ProviderDescriptor struct {
	ID             int             `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Kind           ProviderKind    `json:"kind" yaml:"kind"`
	Variant        Variant         `json:"variant" yaml:"variant"`
	Host           string          `json:"host,omitempty" yaml:"host"`
	Port           int             `json:"port,omitempty" yaml:"port"`
	User           string          `json:"user,omitempty" yaml:"user"`
	CredentialsRef string          `json:"credentials_ref,omitempty" yaml:"credentials_ref"`
	RemoteRoot     string          `json:"remote_root" yaml:"remote_root"`
	Online         bool            `json:"online" yaml:"online"`
	ReadOnly       bool            `json:"read_only" yaml:"read_only"`
	Config         json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// IsBrowsable reports whether principals may list the provider.
func (d *ProviderDescriptor) IsBrowsable() bool {
	return d.Variant == VariantVaultBrowsable
}

// FilePath returns where a record's content lives on the provider.
// Vault providers keep each owner's files in a subdirectory named after
// the owner's login.
func (d *ProviderDescriptor) FilePath(rec *FileRecord) string {
	return d.PathFor(rec.OwnerLogin, rec.Name)
}

// PathFor is FilePath for a record that does not exist yet.
func (d *ProviderDescriptor) PathFor(ownerLogin, name string) string {
	root := d.RemoteRoot
	if root == "" {
		root = "/"
	}
	if d.IsBrowsable() && ownerLogin != "" {
		return path.Join(root, ownerLogin, name)
	}
	return path.Join(root, name)
}

// Equal reports whether two descriptors would build identical stores.
func (d *ProviderDescriptor) Equal(o *ProviderDescriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.ID == o.ID && d.Kind == o.Kind && d.Variant == o.Variant &&
		d.Host == o.Host && d.Port == o.Port && d.User == o.User &&
		d.CredentialsRef == o.CredentialsRef && d.RemoteRoot == o.RemoteRoot &&
		d.Online == o.Online && d.ReadOnly == o.ReadOnly &&
		string(d.Config) == string(o.Config)
}

// SyncState is the freshness relationship between a cached copy and
// the provider copy of the same file.
type SyncState int

const (
	// Unknown means no cache has been materialized or staleness could not
	// be determined. It is the zero value.
	Unknown SyncState = iota
	InSync
	CacheNewer
	ProvNewer
	// Corrupted means a transfer did not complete or both sides changed
	// since the last sync. The cache copy must not be trusted.
	Corrupted
)

var syncStateNames = map[SyncState]string{
	Unknown:    "Unknown",
	InSync:     "InSync",
	CacheNewer: "CacheNewer",
	ProvNewer:  "ProvNewer",
	Corrupted:  "Corrupted",
}

func (s SyncState) String() string {
	if name, ok := syncStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// ParseSyncState is the inverse of String.
func ParseSyncState(s string) (SyncState, error) {
	for state, name := range syncStateNames {
		if name == s {
			return state, nil
		}
	}
	return Unknown, fmt.Errorf("unknown sync state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SyncState) UnmarshalText(b []byte) error {
	v, err := ParseSyncState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CacheEntry represents a materialized file in the local cache.
type CacheEntry struct {
	FileID     FileID    `json:"file_id"`
	LocalPath  string    `json:"local_path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mtime"`
	Digest     string    `json:"digest,omitempty"`
	IsDir      bool      `json:"is_dir"`
	LastSync   time.Time `json:"last_sync"`
	LastAccess time.Time `json:"last_access"`
	State      SyncState `json:"state"`
}
