package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
)

// CloudAdapter uploads as multipart form data with the hash field placed
// after the file part, so the hash is computed progressively at send time
// from the same bytes being streamed (spec.md §4.6.1, §4.8) — no second
// read of the source. It reuses one *http.Client (and its keep-alive
// transport) across every file in a session instead of dialing fresh
// connections per upload.
type CloudAdapter struct {
	mu sync.Mutex

	baseURL   string
	authToken string
	client    *http.Client

	importID   string
	importOpen bool
}

// NewCloudAdapter builds a cloud-adapter against baseURL, authenticating
// with a bearer token. The transport is configured to keep connections
// alive across files in a batch (spec.md §4.8: "reuses the transport
// connection across files in a batch").
func NewCloudAdapter(baseURL, authToken string) *CloudAdapter {
	return &CloudAdapter{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

func (a *CloudAdapter) Name() string { return "cloud" }

// Connect is a no-op beyond validating configuration: the http.Client
// dials lazily and reuses its transport's connection pool (idempotent).
func (a *CloudAdapter) Connect(ctx context.Context) error {
	if a.baseURL == "" {
		return errors.WithKind(errors.KindConfigInvalid, errors.New("cloud: base URL not configured"))
	}
	return nil
}

// Disconnect drops any pooled idle connections. Idempotent.
func (a *CloudAdapter) Disconnect() error {
	a.client.CloseIdleConnections()
	return nil
}

type importResponse struct {
	ImportID string `json:"import_id"`
}

// BeginImport lazily creates an import on the server. Spec.md §4.8: "only
// created on first successful file" — callers invoke this after the first
// file of a session succeeds, not before. Idempotent: a second call while
// an import is already open is a no-op.
func (a *CloudAdapter) BeginImport(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.importOpen {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/imports", nil)
	if err != nil {
		return errors.Wrap(err, "cloud: build begin-import request")
	}
	a.setAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "cloud: begin import"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &RefusalError{Backend: a.Name(), Reason: fmt.Sprintf("begin-import HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return errors.WithKind(errors.KindTransientIO, fmt.Errorf("cloud: begin-import HTTP %d", resp.StatusCode))
	}

	var ir importResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return errors.Wrap(err, "cloud: decode begin-import response")
	}
	a.importID = ir.ImportID
	a.importOpen = true
	return nil
}

// FinalizeImport closes the currently open import. Failure to create an
// import earlier means this is never reached for the session. The cloud
// adapter is not marked skipped after such a failure: the pipeline logs it,
// keeps uploading the session's later files to this adapter, and calls
// BeginImport again after each of them succeeds.
func (a *CloudAdapter) FinalizeImport(ctx context.Context) error {
	a.mu.Lock()
	importID := a.importID
	open := a.importOpen
	a.mu.Unlock()
	if !open {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/imports/"+importID+"/finalize", nil)
	if err != nil {
		return errors.Wrap(err, "cloud: build finalize-import request")
	}
	a.setAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "cloud: finalize import"))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.WithKind(errors.KindTransientIO, fmt.Errorf("cloud: finalize-import HTTP %d", resp.StatusCode))
	}

	a.mu.Lock()
	a.importOpen = false
	a.importID = ""
	a.mu.Unlock()
	return nil
}

func (a *CloudAdapter) ImportOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.importOpen
}

func (a *CloudAdapter) setAuth(req *http.Request) {
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}
}

// Upload streams exactly size bytes of r as a multipart form's file part,
// followed by a trailing "hash" field computed progressively from the same
// bytes. The body has this layout under either policy; HashLeading only
// adds a debug log line.
//
// The multipart body is streamed through an io.Pipe so the request starts
// sending before the whole body is buffered in memory; the hashing writer
// sits between the source and the pipe so the digest is exact for the S
// bytes actually sent, never a restat.
func (a *CloudAdapter) Upload(ctx context.Context, remotePath string, r io.Reader, size int64, policy HashPolicy) (Outcome, error) {
	pr, pw := io.Pipe()
	mpw := multipart.NewWriter(pw)

	go func() {
		err := a.writeMultipartBody(mpw, remotePath, r, size, policy)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/upload", pr)
	if err != nil {
		return Failed, errors.Wrap(err, "cloud: build upload request")
	}
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	req.TransferEncoding = []string{"chunked"}
	a.setAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return Failed, errors.WithKind(errors.KindTransientIO, errors.Wrap(err, "cloud: upload"))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return AlreadyPresent, nil
	case http.StatusCreated:
		logging.Debug().Str("backend", a.Name()).Str("path", remotePath).Int64("size", size).Msg("cloud upload complete")
		return Created, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return Failed, &RefusalError{Backend: a.Name(), Reason: fmt.Sprintf("upload HTTP %d", resp.StatusCode)}
	default:
		return Failed, errors.WithKind(errors.KindTransientIO, fmt.Errorf("cloud: upload HTTP %d", resp.StatusCode))
	}
}

// writeMultipartBody writes the "path" field, the file part (exactly size
// bytes, hashed progressively), and finally the "hash" field — the hash
// field MUST come after the file part so the server can stream-verify
// without buffering (spec.md §4.8).
func (a *CloudAdapter) writeMultipartBody(mpw *multipart.Writer, remotePath string, r io.Reader, size int64, policy HashPolicy) error {
	if err := mpw.WriteField("path", remotePath); err != nil {
		return err
	}

	fw, err := mpw.CreateFormFile("file", remotePath)
	if err != nil {
		return err
	}

	h := sha256.New()
	tee := io.TeeReader(io.LimitReader(r, size), h)
	n, err := io.Copy(fw, tee)
	if err != nil {
		return errors.Wrap(err, "cloud: stream file part")
	}
	if n != size {
		return fmt.Errorf("cloud: short read, size-locked at %d but copied %d", size, n)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if policy == HashLeading {
		// Caller already validated the digest out of band; still emit the
		// one computed here since it is, by construction, identical.
		logging.Debug().Str("backend", a.Name()).Msg("cloud: hash computed leading-policy fallback")
	}
	if err := mpw.WriteField("hash", digest); err != nil {
		return err
	}
	return mpw.Close()
}
