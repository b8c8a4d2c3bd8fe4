// Package smb provides an SMB/CIFS network share store.
// The share must be pre-mounted on the OS (via mount.cifs or fstab).
// This store delegates to the local store at the mount path.
package smb

import (
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/provsync/internal/storage/local"
)

// Config holds SMB store settings.
// Server/Username/Domain are kept for reference only; I/O goes through
// MountPath where the share is already mounted.
type Config struct {
	Server    string `json:"server"`
	Username  string `json:"username"`
	Domain    string `json:"domain"`
	MountPath string `json:"mount_path"`
}

// Store wraps a local store at the SMB mount point.
type Store struct {
	*local.Store
	config Config
}

// New creates an SMB store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	ls, err := local.New(local.Config{RootPath: cfg.MountPath})
	if err != nil {
		return nil, fmt.Errorf("smb store at %s: %w", cfg.MountPath, err)
	}

	return &Store{
		Store:  ls.WithKind("smb"),
		config: cfg,
	}, nil
}

// NewFromJSON creates a Store from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Store, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Server returns the configured share address.
func (s *Store) Server() string { return s.config.Server }
