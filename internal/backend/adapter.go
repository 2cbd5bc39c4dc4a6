// Package backend implements the BackendAdapter contract from spec.md §4.8:
// a share-adapter (network file share) and a cloud-adapter (multipart HTTP
// import), both driven by internal/pipeline's single-read streaming upload.
package backend

import (
	"context"
	"io"
)

// Outcome is the tagged result of an upload, replacing exceptions/error
// codes with a plain variant per spec.md §9 ("model outcomes as tagged
// variants").
type Outcome int

const (
	Created Outcome = iota
	AlreadyPresent
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "Created"
	case AlreadyPresent:
		return "AlreadyPresent"
	default:
		return "Failed"
	}
}

// HashPolicy controls where the content hash is placed relative to the
// upload payload (spec.md §4.6.1 step 4).
type HashPolicy int

const (
	// HashTrailing sends the hex digest after the payload part, computed
	// progressively as the same bytes are streamed (no second read).
	HashTrailing HashPolicy = iota
	// HashLeading names a backend that needs the hash before the stream
	// starts. The pipeline always passes HashTrailing and has no hash-first
	// pass, and the cloud adapter still sends the digest after the file part.
	HashLeading
)

// Adapter is the capability set every backend must expose (spec.md §4.8).
// connect()/disconnect() are idempotent and may reuse an existing session;
// begin_import()/finalize_import() are no-ops for adapters with no import
// concept (the share-adapter).
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error

	// Upload streams exactly size bytes from r to remotePath. Callers
	// enforce the size lock (spec.md §4.6.1); the adapter never re-reads.
	Upload(ctx context.Context, remotePath string, r io.Reader, size int64, policy HashPolicy) (Outcome, error)

	// BeginImport/FinalizeImport bracket a session's touched folders on
	// backends with an import concept. Lazy: BeginImport is only meaningful
	// once the first file of the session has succeeded.
	BeginImport(ctx context.Context) error
	FinalizeImport(ctx context.Context) error

	// ImportOpen reports whether BeginImport succeeded and has not yet been
	// finalized, for the mandatory-inclusion invariant (spec.md §8).
	ImportOpen() bool
}

// RefusalError marks a backend-level refusal (e.g. auth failure):
// spec.md §7 says the backend is disabled for the remainder of the session
// while other backends proceed. Callers check via errors.As.
type RefusalError struct {
	Backend string
	Reason  string
}

func (e *RefusalError) Error() string {
	return e.Backend + ": refused: " + e.Reason
}
