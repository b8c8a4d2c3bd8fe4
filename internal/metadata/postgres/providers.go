package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/metrics"
	"github.com/fruitsalade/provsync/internal/models"
)

const selectProvider = `SELECT id, name, kind, variant, host, port, username, credentials_ref, remote_root, online, read_only, config
	 FROM data_providers`

func scanProvider(sc interface{ Scan(...interface{}) error }) (models.ProviderDescriptor, error) {
	var d models.ProviderDescriptor
	var kind, variant string
	var cfg []byte
	err := sc.Scan(&d.ID, &d.Name, &kind, &variant, &d.Host, &d.Port, &d.User,
		&d.CredentialsRef, &d.RemoteRoot, &d.Online, &d.ReadOnly, &cfg)
	if err != nil {
		return d, err
	}
	d.Kind = models.ProviderKind(kind)
	d.Variant = models.Variant(variant)
	if len(cfg) > 0 {
		d.Config = cfg
	}
	return d, nil
}

// ListProviders returns every configured provider ordered by ID.
func (s *Store) ListProviders(ctx context.Context) ([]models.ProviderDescriptor, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_providers", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, selectProvider+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list data providers: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderDescriptor
	for rows.Next() {
		d, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data provider: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetProvider returns one provider, nil if there is none with id.
func (s *Store) GetProvider(ctx context.Context, id int) (*models.ProviderDescriptor, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_provider", time.Since(start)) }()

	d, err := scanProvider(s.db.QueryRowContext(ctx, selectProvider+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get data provider %d: %w", id, err)
	}
	return &d, nil
}

// UpsertProvider inserts or replaces a provider descriptor.
func (s *Store) UpsertProvider(ctx context.Context, d models.ProviderDescriptor) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_provider", time.Since(start)) }()

	variant := d.Variant
	if variant == "" {
		variant = models.VariantPlain
	}
	var cfg interface{}
	if len(d.Config) > 0 {
		cfg = []byte(d.Config)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_providers (id, name, kind, variant, host, port, username, credentials_ref, remote_root, online, read_only, config, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			variant = EXCLUDED.variant,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			credentials_ref = EXCLUDED.credentials_ref,
			remote_root = EXCLUDED.remote_root,
			online = EXCLUDED.online,
			read_only = EXCLUDED.read_only,
			config = EXCLUDED.config,
			updated_at = NOW()`,
		d.ID, d.Name, string(d.Kind), string(variant), d.Host, d.Port, d.User,
		d.CredentialsRef, d.RemoteRoot, d.Online, d.ReadOnly, cfg)
	if err != nil {
		return fmt.Errorf("upsert data provider %d: %w", d.ID, err)
	}

	logging.Debug("upserted data provider",
		zap.Int("provider_id", d.ID),
		zap.String("name", d.Name),
		zap.String("kind", string(d.Kind)))
	return nil
}
