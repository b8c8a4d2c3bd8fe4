package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/provsync/internal/models"
)

// Inventory is the content of a providers file: the configured
// providers and, optionally, the files they hold.
type Inventory struct {
	Providers []models.ProviderDescriptor
	Files     []models.FileRecord
}

type providerEntry struct {
	ID             int                    `yaml:"id"`
	Name           string                 `yaml:"name"`
	Kind           string                 `yaml:"kind"`
	Variant        string                 `yaml:"variant"`
	Host           string                 `yaml:"host"`
	Port           int                    `yaml:"port"`
	User           string                 `yaml:"user"`
	CredentialsRef string                 `yaml:"credentials_ref"`
	RemoteRoot     string                 `yaml:"remote_root"`
	Online         *bool                  `yaml:"online"` // default true
	ReadOnly       bool                   `yaml:"read_only"`
	Config         map[string]interface{} `yaml:"config"`
}

type fileEntry struct {
	ID           string    `yaml:"id"`
	Name         string    `yaml:"name"`
	ProviderID   int       `yaml:"provider_id"`
	OwnerID      int       `yaml:"owner_id"`
	OwnerLogin   string    `yaml:"owner_login"`
	Size         int64     `yaml:"size"`
	ModTime      time.Time `yaml:"mtime"`
	IsCollection bool      `yaml:"is_collection"`
}

type inventoryFile struct {
	Providers []providerEntry `yaml:"providers"`
	Files     []fileEntry     `yaml:"files"`
}

// LoadProviders reads and validates a YAML providers file.
func LoadProviders(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	inv, err := ParseProviders(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inv, nil
}

// ParseProviders decodes and validates providers file content.
func ParseProviders(data []byte) (*Inventory, error) {
	var raw inventoryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	inv := &Inventory{}
	seen := make(map[int]bool)
	for i, e := range raw.Providers {
		d := models.ProviderDescriptor{
			ID:             e.ID,
			Name:           e.Name,
			Kind:           models.ProviderKind(e.Kind),
			Variant:        models.Variant(e.Variant),
			Host:           e.Host,
			Port:           e.Port,
			User:           e.User,
			CredentialsRef: e.CredentialsRef,
			RemoteRoot:     e.RemoteRoot,
			Online:         e.Online == nil || *e.Online,
			ReadOnly:       e.ReadOnly,
		}
		if d.Variant == "" {
			d.Variant = models.VariantPlain
		}
		if len(e.Config) > 0 {
			cfg, err := json.Marshal(e.Config)
			if err != nil {
				return nil, fmt.Errorf("provider %d: config: %w", d.ID, err)
			}
			d.Config = cfg
		}
		if err := validateProvider(&d); err != nil {
			return nil, fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("providers[%d]: duplicate id %d", i, d.ID)
		}
		seen[d.ID] = true
		inv.Providers = append(inv.Providers, d)
	}

	ids := make(map[string]bool)
	for i, f := range raw.Files {
		switch {
		case f.ID == "":
			return nil, fmt.Errorf("files[%d]: id is required", i)
		case ids[f.ID]:
			return nil, fmt.Errorf("files[%d]: duplicate id %q", i, f.ID)
		case f.Name == "":
			return nil, fmt.Errorf("files[%d]: name is required", i)
		case !seen[f.ProviderID]:
			return nil, fmt.Errorf("files[%d]: unknown provider %d", i, f.ProviderID)
		}
		ids[f.ID] = true
		inv.Files = append(inv.Files, models.FileRecord{
			ID:           models.FileID(f.ID),
			Name:         f.Name,
			ProviderID:   f.ProviderID,
			OwnerID:      f.OwnerID,
			OwnerLogin:   f.OwnerLogin,
			Size:         f.Size,
			ModTime:      f.ModTime,
			IsCollection: f.IsCollection,
		})
	}
	return inv, nil
}

func validateProvider(d *models.ProviderDescriptor) error {
	if d.ID <= 0 {
		return fmt.Errorf("id must be positive")
	}
	if d.Name == "" {
		return fmt.Errorf("provider %d: name is required", d.ID)
	}
	switch d.Kind {
	case models.KindLocal, models.KindSMB, models.KindS3:
	case models.KindSFTP:
		if d.Host == "" {
			return fmt.Errorf("provider %d: sftp needs a host", d.ID)
		}
	default:
		return fmt.Errorf("provider %d: unknown kind %q", d.ID, d.Kind)
	}
	switch d.Variant {
	case models.VariantPlain, models.VariantVaultBrowsable:
	default:
		return fmt.Errorf("provider %d: unknown variant %q", d.ID, d.Variant)
	}
	if d.Kind != models.KindS3 && !strings.HasPrefix(d.RemoteRoot, "/") {
		return fmt.Errorf("provider %d: remote_root must be absolute", d.ID)
	}
	return nil
}
