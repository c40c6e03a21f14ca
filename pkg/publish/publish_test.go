package publish

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/feature-extractor/pkg/types"
)

func TestObjectKey(t *testing.T) {
	root := filepath.Join("data", "megadepth")
	assert.Equal(t, "runs/0001/dense/images/a.jpg.sift-2000.npz",
		ObjectKey(root, filepath.Join(root, "0001", "dense", "images", "a.jpg.sift-2000.npz"), "runs"))
	assert.Equal(t, "a.npz", ObjectKey("", filepath.Join("x", "y", "a.npz"), ""))
	assert.Equal(t, "p/a.npz", ObjectKey(filepath.Join("data", "other"), filepath.Join("data", "megadepth", "a.npz"), "p"))
}

// fakeS3 accepts or rejects object uploads and records request paths
type fakeS3 struct {
	mu     sync.Mutex
	paths  []string
	reject bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	if f.reject {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`))
		return
	}
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func newTestPublisher(t *testing.T, handler http.Handler, root string) *S3Publisher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	p, err := New(Options{
		Endpoint:  u.Host,
		Bucket:    "features",
		Prefix:    "runs",
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "testsecret",
		Root:      root,
	})
	require.NoError(t, err)
	return p
}

func TestPublish(t *testing.T) {
	root := t.TempDir()
	local := filepath.Join(root, "scene", "a.jpg.sift-2000.npz")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("feature bytes"), 0o644))

	fake := &fakeS3{}
	p := newTestPublisher(t, fake, root)

	key, err := p.Publish(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, "runs/scene/a.jpg.sift-2000.npz", key)
	assert.Contains(t, fake.requests(), "PUT /features/runs/scene/a.jpg.sift-2000.npz")
}

func TestPublishRejected(t *testing.T) {
	root := t.TempDir()
	local := filepath.Join(root, "a.npz")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	p := newTestPublisher(t, &fakeS3{reject: true}, root)
	_, err := p.Publish(context.Background(), local)
	require.Error(t, err)

	var werr *types.WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, local, werr.Path)
	assert.False(t, types.IsFatal(err))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Options{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
