package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
)

// SourceFS abstracts reads from the mounted shared medium so the pipeline
// can be driven by a fake in tests without a real block device (spec.md
// §4.3's ReadOnlyFs owns the mount; this interface only reads through it).
type SourceFS interface {
	// ListFolders returns every folder, newest-first, each with its files
	// in the order the scanner will process them (spec.md §5).
	ListFolders() ([]Folder, error)
	// Open opens path for reading and reports its size at open time — the
	// snapshot size S used by the size-lock invariant (spec.md §4.6.1 step 1).
	Open(path string) (io.ReadCloser, int64, error)
	// Hash returns the full content hash of path, used to decide candidacy
	// for MutableConfig files (spec.md §4.6 step 2).
	Hash(path string) (string, error)
	// Sniff reads up to n leading bytes of path — the advisory
	// dedup-eligibility hint from SPEC_FULL.md §C.5, never load-bearing
	// for the size-lock/hash-then-stream invariants.
	Sniff(path string, n int) ([]byte, error)
}

// OSSourceFS is the production SourceFS, rooted at the shared medium's
// mount point (spec.md §4.3's ReadOnlyFs.MountRO target).
type OSSourceFS struct {
	Root string
}

func NewOSSourceFS(root string) *OSSourceFS {
	return &OSSourceFS{Root: root}
}

// ListFolders walks Root's immediate subdirectories, sorted newest-modified
// first, with each folder's regular files sorted by path in descending
// lexical order.
func (fs *OSSourceFS) ListFolders() ([]Folder, error) {
	entries, err := os.ReadDir(fs.Root)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "sourcefs: read root"))
	}

	var folders []Folder
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		folderPath := filepath.Join(fs.Root, e.Name())
		files, err := fs.listFiles(folderPath, e.Name())
		if err != nil {
			continue
		}
		folders = append(folders, Folder{
			Name:    e.Name(),
			ModTime: info.ModTime(),
			Files:   files,
		})
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].ModTime.After(folders[j].ModTime) })
	return folders, nil
}

func (fs *OSSourceFS) listFiles(folderPath, folderName string) ([]FileEntry, error) {
	entries, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, err
	}
	var files []FileEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileEntry{
			Path: filepath.Join(folderName, e.Name()),
			Size: info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path > files[j].Path // lexically newest-first proxy; real devices name files by timestamp
	})
	return files, nil
}

func (fs *OSSourceFS) Open(path string) (io.ReadCloser, int64, error) {
	full := filepath.Join(fs.Root, path)
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "sourcefs: open"))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "sourcefs: stat"))
	}
	return f, info.Size(), nil
}

func (fs *OSSourceFS) Hash(path string) (string, error) {
	full := filepath.Join(fs.Root, path)
	f, err := os.Open(full)
	if err != nil {
		return "", errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "sourcefs: hash open"))
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "sourcefs: hash read"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (fs *OSSourceFS) Sniff(path string, n int) ([]byte, error) {
	full := filepath.Join(fs.Root, path)
	f, err := os.Open(full)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "sourcefs: sniff open"))
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "sourcefs: sniff read"))
	}
	return buf[:read], nil
}
