package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/grltest/grlctl/internal/config"
	apperrors "github.com/grltest/grlctl/internal/errors"
)

// fakeS3 accepts path-style PutObject requests and remembers the bodies.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	status  int
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.status != 0 {
			w.WriteHeader(f.status)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		f.mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newUploader(t *testing.T, endpoint, prefix string) *S3Uploader {
	t.Helper()
	u, err := NewS3Uploader(context.Background(), config.Artifacts{
		S3Bucket:    "grl-runs",
		S3Prefix:    prefix,
		S3Region:    "us-east-1",
		S3Endpoint:  endpoint,
		AccessKeyID: "test",
		SecretKey:   "secret",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestNoBucketDisablesUploads(t *testing.T) {
	u, err := NewS3Uploader(context.Background(), config.Artifacts{}, nil)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "run-1/popups.json"},
		{"bench", "bench/run-1/popups.json"},
		{"/bench/a/", "bench/a/run-1/popups.json"},
	}
	for _, tt := range tests {
		u := &S3Uploader{prefix: normalizePrefix(tt.prefix)}
		assert.Equal(t, tt.want, u.Key("run-1", "/tmp/out/popups.json"), "prefix %q", tt.prefix)
	}
}

func TestUpload(t *testing.T) {
	fake, srv := newFakeS3(t)
	u := newUploader(t, srv.URL, "bench-7")

	dir := t.TempDir()
	chrono := writeFile(t, dir, "popups_chronological.json", `[{"seq":1}]`)
	byCase := writeFile(t, dir, "popups_by_testcase.json", `{"pre-test":[]}`)

	require.NoError(t, u.Upload(context.Background(), "run-42", chrono, byCase))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, `[{"seq":1}]`, fake.objects["/grl-runs/bench-7/run-42/popups_chronological.json"])
	assert.Equal(t, `{"pre-test":[]}`, fake.objects["/grl-runs/bench-7/run-42/popups_by_testcase.json"])
	assert.Equal(t, "application/json", fake.types["/grl-runs/bench-7/run-42/popups_chronological.json"])
}

func TestUploadMissingFile(t *testing.T) {
	_, srv := newFakeS3(t)
	u := newUploader(t, srv.URL, "")

	err := u.Upload(context.Background(), "run-1", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeArtifactUploadFailed, apperrors.GetCode(err))
}

func TestUploadRejected(t *testing.T) {
	fake, srv := newFakeS3(t)
	fake.status = http.StatusForbidden
	u := newUploader(t, srv.URL, "")

	p := writeFile(t, t.TempDir(), "popups.json", `[]`)
	err := u.Upload(context.Background(), "run-1", p)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeArtifactUploadFailed, apperrors.GetCode(err))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("a.JSON"))
	assert.Equal(t, "text/plain", contentType("run.log"))
	assert.Equal(t, "application/octet-stream", contentType("blob"))
}
