package bulk

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/provsync/internal/archive"
	"github.com/fruitsalade/provsync/internal/cache"
	"github.com/fruitsalade/provsync/internal/catalog"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/storage"
	"github.com/fruitsalade/provsync/internal/syncer"
)

var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNameCollision       = errors.New("name collision")
	ErrSizeLimitExceeded   = errors.New("size limit exceeded")
	ErrReadOnly            = errors.New("data provider not writable")
	ErrMissingParameter    = errors.New("missing parameter")
	ErrIllegalFilename     = errors.New("filename is not acceptable")
	ErrCancelled           = errors.New("cancelled before dispatch")
	ErrUnsupportedFormat   = archive.ErrUnsupportedFormat
	ErrArchiveTooLarge     = archive.ErrTooLarge
)

// PreconditionError rejects a whole operation before any item runs.
type PreconditionError struct {
	Op     Op
	Detail string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("bulk %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bulk %s: %v: %s", e.Op, e.Err, e.Detail)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

func reject(op Op, err error, format string, args ...any) *PreconditionError {
	return &PreconditionError{Op: op, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// asCollision reports a name the catalog refused as ErrNameCollision.
// A concurrent registration can take a name after checkName passed.
func asCollision(err error) error {
	if errors.Is(err, catalog.ErrNameTaken) && !errors.Is(err, ErrNameCollision) {
		return fmt.Errorf("%w: %w", ErrNameCollision, err)
	}
	return err
}

// reasonOf maps an item error to a short stable label for outcomes
// and events.
func reasonOf(err error) string {
	var ioErr *cache.IOError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, ErrNameCollision), errors.Is(err, catalog.ErrNameTaken):
		return "name_collision"
	case errors.Is(err, ErrIllegalFilename):
		return "illegal_filename"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrArchiveTooLarge):
		return "archive_too_large"
	case errors.Is(err, ErrReadOnly), errors.Is(err, storage.ErrReadOnlyProvider):
		return "read_only"
	case errors.Is(err, syncer.ErrSyncConflict):
		return "sync_conflict"
	case errors.Is(err, syncer.ErrTransferInProgress):
		return "transfer_in_progress"
	case errors.Is(err, syncer.ErrCollectionUnsupported):
		return "collection_unsupported"
	case errors.Is(err, catalog.ErrNotFound), remote.IsNotFound(err):
		return "not_found"
	case remote.IsTimeout(err):
		return "remote_timeout"
	case remote.IsUnavailable(err), errors.Is(err, storage.ErrProviderOffline):
		return "remote_unavailable"
	case remote.IsPermissionDenied(err):
		return "permission_denied"
	case errors.As(err, &ioErr):
		return "cache_io"
	}
	return "error"
}
