package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/ilyakruchinin/cpap-uploader/internal/backend"
	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/statestore"
)

const streamChunkSize = 4 * 1024 // spec.md §4.6.1: stream in ~4 KiB chunks

// BackendResult isolates one backend's outcome for a single file upload
// (spec.md §4.6.1 failure policy: "any network error on a given backend is
// isolated; other backends in the same session proceed").
type BackendResult struct {
	Backend string
	Outcome backend.Outcome
	Err     error
}

// uploadFile implements the single-read streaming upload of spec.md
// §4.6.1: the source is opened once, its size S snapshotted, and exactly S
// bytes are streamed to every active backend concurrently via an
// io.MultiWriter fan-out over per-backend pipes — so S bytes are read from
// the source exactly once regardless of how many backends are active, and
// a host append beyond S during the read can never leak into the hash or
// the upload (size-lock, spec.md §8).
func uploadFile(ctx context.Context, fs SourceFS, backends []backend.Adapter, file FileEntry) (statestore.FileFingerprint, []BackendResult, error) {
	r, size, err := fs.Open(file.Path)
	if err != nil {
		return statestore.FileFingerprint{}, nil, err
	}
	defer r.Close()

	if len(backends) == 0 {
		// Nothing to upload to, but the read still needs draining so callers
		// get a correct fingerprint for a dry scan/test configuration.
		h := sha256.New()
		if _, err := io.CopyN(h, r, size); err != nil && err != io.EOF {
			return statestore.FileFingerprint{}, nil, errors.WithKind(errors.KindTransientIO, err)
		}
		return fingerprintOf(file, size, h), nil, nil
	}

	writers := make([]io.Writer, 0, len(backends)+1)
	hasher := sha256.New()
	writers = append(writers, hasher)

	pipeWriters := make([]*io.PipeWriter, len(backends))
	readers := make([]*io.PipeReader, len(backends))
	for i := range backends {
		pr, pw := io.Pipe()
		pipeWriters[i] = pw
		readers[i] = pr
		writers = append(writers, pw)
	}
	mw := io.MultiWriter(writers...)

	results := make([]BackendResult, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b backend.Adapter) {
			defer wg.Done()
			outcome, err := b.Upload(ctx, file.Path, readers[i], size, backend.HashTrailing)
			results[i] = BackendResult{Backend: b.Name(), Outcome: outcome, Err: err}
			io.Copy(io.Discard, readers[i]) // drain on backend-side early return
		}(i, b)
	}

	buf := make([]byte, streamChunkSize)
	_, copyErr := io.CopyBuffer(mw, io.LimitReader(r, size), buf)
	for _, pw := range pipeWriters {
		pw.Close()
	}
	wg.Wait()

	if copyErr != nil && copyErr != io.EOF {
		return statestore.FileFingerprint{}, results, errors.WithKind(errors.KindTransientIO, errors.Wrap(copyErr, "pipeline: stream source"))
	}

	return fingerprintOf(file, size, hasher), results, nil
}

func fingerprintOf(file FileEntry, size int64, h interface{ Sum([]byte) []byte }) statestore.FileFingerprint {
	return statestore.FileFingerprint{
		PathHash: pathKey(file.Path),
		Size:     uint64(size),
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}
}

// anySucceeded reports whether at least one backend created or matched the
// file — used to decide whether to queue FILE_UPLOADED at all.
func anySucceeded(results []BackendResult) bool {
	if len(results) == 0 {
		return true // no backends configured: treat the read itself as success
	}
	for _, r := range results {
		if r.Err == nil && r.Outcome != backend.Failed {
			return true
		}
	}
	return false
}
