package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/metrics"
)

// ErrInvalidPrincipal is returned for principal identifiers that cannot
// name a single subdirectory of the vault root.
var ErrInvalidPrincipal = errors.New("invalid principal")

// Browser is implemented by stores that principals may list.
type Browser interface {
	Browse(ctx context.Context, principal string) ([]Entry, error)
}

// Vault wraps a plain store and restricts browsing to a subdirectory
// named after the requesting principal. The subdirectory is created on
// first access. Every other Store method passes through unchanged.
type Vault struct {
	Store
	baseRoot string
}

// NewVault narrows inner to baseRoot.
func NewVault(inner Store, baseRoot string) *Vault {
	return &Vault{Store: inner, baseRoot: Clean(baseRoot)}
}

// BaseRoot returns the vault root.
func (v *Vault) BaseRoot() string { return v.baseRoot }

// EffectiveRoot is the only directory a browsing principal may see:
// baseRoot/principal, or baseRoot when no principal is supplied.
func (v *Vault) EffectiveRoot(principal string) (string, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return v.baseRoot, nil
	}
	if principal == "." || principal == ".." || strings.ContainsAny(principal, `/\`) || strings.ContainsRune(principal, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	return path.Join(v.baseRoot, principal), nil
}

// Browse lists the principal's directory. When the directory does not
// exist yet, one mkdir is issued and the listing is retried once; a
// second not-found is returned to the caller. The mkdir result itself is
// ignored since a concurrent creator may have won the race.
func (v *Vault) Browse(ctx context.Context, principal string) ([]Entry, error) {
	root, err := v.EffectiveRoot(principal)
	if err != nil {
		return nil, err
	}

	attemptedMkdir := false
	for {
		entries, err := v.Store.List(ctx, root)
		if err == nil {
			return confine(root, entries), nil
		}
		if !IsNotFound(err) || attemptedMkdir {
			return nil, err
		}

		attemptedMkdir = true
		if mkErr := v.Store.Mkdir(ctx, root); mkErr != nil {
			logging.Debug("vault mkdir failed, retrying list anyway",
				zap.String("path", root),
				zap.String("principal", principal),
				zap.Error(mkErr))
		} else {
			metrics.RecordVaultProvision()
			logging.Info("vault directory provisioned",
				zap.String("path", root),
				zap.String("principal", principal))
		}
	}
}

// confine drops anything a backend reports outside root.
func confine(root string, entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		p := e.Path
		if p == "" {
			p = path.Join(root, e.Name)
		}
		if e.Name == "" || e.Name == "." || e.Name == ".." || strings.Contains(e.Name, "/") {
			continue
		}
		if p == root || !Within(root, p) {
			continue
		}
		e.Path = Clean(p)
		out = append(out, e)
	}
	return out
}
