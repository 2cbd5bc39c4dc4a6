package backend

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudUploadCreated(t *testing.T) {
	var gotHash string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			require.NoError(t, err)
			mr := multipart.NewReader(r.Body, params["boundary"])

			var sawFile bool
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				data, _ := io.ReadAll(part)
				switch part.FormName() {
				case "file":
					sawFile = true
					assert.Equal(t, "hello world", string(data))
				case "hash":
					gotHash = string(data)
					// the hash field must arrive after the file field
					assert.True(t, sawFile, "hash field must follow file field")
				}
			}
			if strings.Contains(r.URL.RawQuery, "dup") {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusCreated)
			}
		}
	}))
	defer srv.Close()

	a := NewCloudAdapter(srv.URL, "tok")
	outcome, err := a.Upload(context.Background(), "folder/file.bin", strings.NewReader("hello world"), 11, HashTrailing)
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.NotEmpty(t, gotHash)
}

func TestCloudUploadAlreadyPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewCloudAdapter(srv.URL, "tok")
	outcome, err := a.Upload(context.Background(), "f", strings.NewReader("data"), 4, HashTrailing)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, outcome)
}

func TestCloudUploadAuthRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewCloudAdapter(srv.URL, "bad")
	outcome, err := a.Upload(context.Background(), "f", strings.NewReader("data"), 4, HashTrailing)
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)
	var refusal *RefusalError
	assert.ErrorAs(t, err, &refusal)
}

func TestCloudBeginFinalizeImportLifecycle(t *testing.T) {
	var beginCalls, finalizeCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/imports" && r.Method == http.MethodPost:
			beginCalls++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"import_id":"abc123"}`))
		case strings.HasSuffix(r.URL.Path, "/finalize"):
			finalizeCalls++
			assert.Equal(t, "/imports/abc123/finalize", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	a := NewCloudAdapter(srv.URL, "tok")
	require.False(t, a.ImportOpen())

	require.NoError(t, a.BeginImport(context.Background()))
	assert.True(t, a.ImportOpen())

	// second BeginImport is a no-op (lazy, idempotent)
	require.NoError(t, a.BeginImport(context.Background()))
	assert.Equal(t, 1, beginCalls)

	require.NoError(t, a.FinalizeImport(context.Background()))
	assert.False(t, a.ImportOpen())
	assert.Equal(t, 1, finalizeCalls)

	// finalizing again with no open import is a no-op
	require.NoError(t, a.FinalizeImport(context.Background()))
	assert.Equal(t, 1, finalizeCalls)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "Created", Created.String())
	assert.Equal(t, "AlreadyPresent", AlreadyPresent.String())
	assert.Equal(t, "Failed", Failed.String())
}
