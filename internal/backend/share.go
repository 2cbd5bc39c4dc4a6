package backend

import (
	"context"
	"io"
	"net"
	"path"
	"sync"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
)

// ShareAdapter writes to a network file share using SMB2/CIFS (spec.md
// §4.8). It has no import concept: BeginImport/FinalizeImport are no-ops.
// connect()/disconnect() are idempotent and reuse the established session
// across files in a batch rather than reconnecting per file.
type ShareAdapter struct {
	mu sync.Mutex

	addr     string
	shareName string
	user     string
	password string
	dialTimeout time.Duration

	conn    net.Conn
	session *smb2.Session
	share   *smb2.Share
}

// NewShareAdapter builds a share-adapter for the given SMB server address
// ("host:445"), share name, and credentials.
func NewShareAdapter(addr, shareName, user, password string) *ShareAdapter {
	return &ShareAdapter{
		addr:        addr,
		shareName:   shareName,
		user:        user,
		password:    password,
		dialTimeout: 10 * time.Second,
	}
}

func (a *ShareAdapter) Name() string { return "share" }

// Connect dials and mounts the share if not already connected.
func (a *ShareAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.share != nil {
		return nil
	}

	d := net.Dialer{Timeout: a.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "share: dial"))
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     a.user,
			Password: a.password,
		},
	}
	session, err := dialer.Dial(conn)
	if err != nil {
		conn.Close()
		return &RefusalError{Backend: a.Name(), Reason: err.Error()}
	}

	share, err := session.Mount(a.shareName)
	if err != nil {
		session.Logoff()
		conn.Close()
		return &RefusalError{Backend: a.Name(), Reason: err.Error()}
	}

	a.conn = conn
	a.session = session
	a.share = share
	return nil
}

// Disconnect tears down the mounted share and session. Idempotent.
func (a *ShareAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.share != nil {
		a.share.Umount()
		a.share = nil
	}
	if a.session != nil {
		a.session.Logoff()
		a.session = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

// Upload creates parent directories as needed and writes exactly size bytes
// to remotePath, overwriting any existing file (idempotent re-upload, spec.md
// §4.8). The hash policy is irrelevant to the share-adapter: SMB2 has no
// trailing-hash-field concept, so it is ignored here.
func (a *ShareAdapter) Upload(ctx context.Context, remotePath string, r io.Reader, size int64, _ HashPolicy) (Outcome, error) {
	a.mu.Lock()
	share := a.share
	a.mu.Unlock()
	if share == nil {
		return Failed, errors.New("share: Upload called before Connect")
	}

	dir := path.Dir(remotePath)
	if dir != "." && dir != "/" {
		if err := share.MkdirAll(dir, 0o755); err != nil {
			return Failed, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "share: mkdir"))
		}
	}

	f, err := share.Create(remotePath)
	if err != nil {
		return Failed, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "share: create"))
	}
	defer f.Close()

	n, err := io.CopyN(f, r, size)
	if err != nil && err != io.EOF {
		return Failed, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "share: write"))
	}
	if n != size {
		return Failed, errors.New("share: short write")
	}

	logging.Debug().Str("backend", a.Name()).Str("path", remotePath).Int64("size", size).Msg("share upload complete")
	return Created, nil
}

// BeginImport/FinalizeImport are no-ops: the share-adapter has no import
// concept (spec.md §4.8).
func (a *ShareAdapter) BeginImport(ctx context.Context) error    { return nil }
func (a *ShareAdapter) FinalizeImport(ctx context.Context) error { return nil }
func (a *ShareAdapter) ImportOpen() bool                         { return false }
