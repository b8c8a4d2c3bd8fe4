package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/provsync")
	t.Setenv("MAX_DOWNLOAD_MB", "")
	t.Setenv("REMOTE_TIMEOUT", "")
	t.Setenv("BULK_CONCURRENCY", "")
	t.Setenv("AUTO_MIGRATE", "")
	t.Setenv("METRICS_ADDR", "")
	t.Setenv("MAX_EXTRACT_MB", "")
	t.Setenv("MAX_EXTRACT_ENTRIES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(400<<20), cfg.MaxDownloadBytes)
	assert.Equal(t, int64(4096<<20), cfg.MaxExtractBytes)
	assert.Equal(t, 10000, cfg.MaxExtractEntries)
	assert.Equal(t, 60*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 4, cfg.BulkConcurrency)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PROVIDERS_FILE", "/etc/provsync/providers.yaml")
	t.Setenv("MAX_DOWNLOAD_MB", "10")
	t.Setenv("REMOTE_TIMEOUT", "5s")
	t.Setenv("BULK_CONCURRENCY", "0")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("MAX_EXTRACT_MB", "64")
	t.Setenv("MAX_EXTRACT_ENTRIES", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), cfg.MaxDownloadBytes)
	assert.Equal(t, int64(64<<20), cfg.MaxExtractBytes)
	assert.Equal(t, 50, cfg.MaxExtractEntries)
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 1, cfg.BulkConcurrency)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoad_RejectsNonPositiveExtractLimits(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/provsync")
	t.Setenv("MAX_EXTRACT_ENTRIES", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_NeedsASource(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PROVIDERS_FILE", "")
	_, err := Load()
	assert.Error(t, err)
}

const sample = `
providers:
  - id: 1
    name: main
    kind: local
    remote_root: /srv/data
  - id: 42
    name: incoming
    kind: sftp
    variant: vault_browsable
    host: vault.example.org
    port: 22
    user: svc
    credentials_ref: env:VAULT_KEY
    remote_root: /vault
    online: false
    config:
      known_hosts: /etc/ssh/known_hosts
files:
  - id: "7"
    name: scan.nii.gz
    provider_id: 1
    owner_id: 1
    owner_login: alice
    size: 1024
`

func TestLoadProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	inv, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, inv.Providers, 2)

	main := inv.Providers[0]
	assert.Equal(t, models.KindLocal, main.Kind)
	assert.Equal(t, models.VariantPlain, main.Variant)
	assert.True(t, main.Online)

	vault := inv.Providers[1]
	assert.True(t, vault.IsBrowsable())
	assert.False(t, vault.Online)
	assert.JSONEq(t, `{"known_hosts":"/etc/ssh/known_hosts"}`, string(vault.Config))

	require.Len(t, inv.Files, 1)
	assert.Equal(t, models.FileID("7"), inv.Files[0].ID)
	assert.Equal(t, "alice", inv.Files[0].OwnerLogin)
}

func TestParseProviders_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind":      "providers:\n  - {id: 1, name: a, kind: ftp, remote_root: /x}\n",
		"relative root":     "providers:\n  - {id: 1, name: a, kind: local, remote_root: x}\n",
		"sftp without host": "providers:\n  - {id: 1, name: a, kind: sftp, remote_root: /x}\n",
		"duplicate id":      "providers:\n  - {id: 1, name: a, kind: local, remote_root: /x}\n  - {id: 1, name: b, kind: local, remote_root: /y}\n",
		"bad variant":       "providers:\n  - {id: 1, name: a, kind: local, variant: open, remote_root: /x}\n",
		"unknown field":     "providers:\n  - {id: 1, name: a, kind: local, remote_root: /x, colour: red}\n",
		"orphan file":       "providers:\n  - {id: 1, name: a, kind: local, remote_root: /x}\nfiles:\n  - {id: \"1\", name: f, provider_id: 2}\n",
	}
	for name, doc := range cases {
		_, err := ParseProviders([]byte(doc))
		assert.Error(t, err, name)
	}
}
