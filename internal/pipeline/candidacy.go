package pipeline

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ilyakruchinin/cpap-uploader/internal/statestore"
)

// pathKey derives the bounded-table key for a file's remote path. Table
// keys are fixed-size digests rather than raw paths so the cap accounting
// in spec.md §3 does not depend on path length.
func pathKey(remotePath string) string {
	sum := sha256.Sum256([]byte(remotePath))
	return hex.EncodeToString(sum[:])
}

// isCandidate decides whether file needs uploading per spec.md §4.6 step 2:
// append-only data compares current size against the stored fingerprint;
// mutable config compares content hash. fs.Hash is only called for
// MutableConfig files, since hashing an append-only data file on every scan
// would be wasted CPU for no gain.
func isCandidate(table *statestore.Table, fs SourceFS, file FileEntry) (bool, error) {
	key := pathKey(file.Path)
	fp, known := table.Fingerprint(key)
	if !known {
		return true, nil
	}

	if file.MutableConfig {
		hash, err := fs.Hash(file.Path)
		if err != nil {
			return false, err
		}
		return hash != fp.Checksum, nil
	}

	return uint64(file.Size) != fp.Size, nil
}
