package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/opencontainers/go-digest"
)

// fakeBlobServer is a minimal registry blob endpoint backed by a map.
type fakeBlobServer struct {
	mux   sync.Mutex
	blobs map[digest.Digest][]byte
}

func newFakeBlobServer() *fakeBlobServer {
	return &fakeBlobServer{blobs: map[digest.Digest][]byte{}}
}

func (s *fakeBlobServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/":
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/blobs/uploads/") && r.Method == http.MethodPost:
			w.Header().Set("Location", "http://"+r.Host+"/v2/test/repo/blobs/uploads/session-1")
			w.WriteHeader(http.StatusAccepted)
		case strings.Contains(r.URL.Path, "/blobs/uploads/") && r.Method == http.MethodPut:
			body, err := ioutil.ReadAll(r.Body)
			if err != nil {
				t.Errorf("reading upload body: %v", err)
			}
			dig := digest.Digest(r.URL.Query().Get("digest"))
			s.mux.Lock()
			s.blobs[dig] = body
			s.mux.Unlock()
			w.WriteHeader(http.StatusCreated)
		case strings.Contains(r.URL.Path, "/blobs/") && r.Method == http.MethodHead:
			dig := digest.Digest(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
			s.mux.Lock()
			content, ok := s.blobs[dig]
			s.mux.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.WriteHeader(http.StatusOK)
		case strings.Contains(r.URL.Path, "/blobs/") && r.Method == http.MethodGet:
			dig := digest.Digest(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
			s.mux.Lock()
			content, ok := s.blobs[dig]
			s.mux.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(content)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestRegistry(t *testing.T, handler http.Handler) (*Registry, func()) {
	ts := httptest.NewServer(handler)
	r, err := New(context.Background(), types.AuthConfig{ServerAddress: ts.URL}, Opt{Insecure: true, Debug: true})
	if err != nil {
		ts.Close()
		t.Fatalf("expected no error creating client, got %v", err)
	}
	return r, ts.Close
}

func TestBlobUploadThenHas(t *testing.T) {
	ctx := context.Background()
	srv := newFakeBlobServer()
	r, done := newTestRegistry(t, srv.handler(t))
	defer done()

	content := []byte("layer bytes")
	dig := digest.FromBytes(content)

	has, err := r.HasBlob(ctx, "test/repo", dig)
	if err != nil {
		t.Fatalf("unexpected error probing absent blob: %v", err)
	}
	if has {
		t.Fatal("expected blob to be absent before upload")
	}

	if err := r.UploadBlob(ctx, "test/repo", dig, bytes.NewReader(content)); err != nil {
		t.Fatalf("unexpected error uploading blob: %v", err)
	}

	has, err = r.HasBlob(ctx, "test/repo", dig)
	if err != nil {
		t.Fatalf("unexpected error probing uploaded blob: %v", err)
	}
	if !has {
		t.Fatal("expected blob to exist after upload")
	}

	meta, err := r.BlobMetadata(ctx, "test/repo", dig)
	if err != nil {
		t.Fatalf("unexpected error fetching blob metadata: %v", err)
	}
	if meta.Size != int64(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), meta.Size)
	}

	rc, err := r.DownloadBlob(ctx, "test/repo", dig)
	if err != nil {
		t.Fatalf("unexpected error downloading blob: %v", err)
	}
	defer rc.Close()
	downloaded, err := ioutil.ReadAll(rc)
	if err != nil {
		t.Fatalf("unexpected error reading blob: %v", err)
	}
	if !bytes.Equal(downloaded, content) {
		t.Fatalf("downloaded blob differs, got %q", downloaded)
	}
}

func TestBlobUploadVerifiesDigest(t *testing.T) {
	ctx := context.Background()
	srv := newFakeBlobServer()
	r, done := newTestRegistry(t, srv.handler(t))
	defer done()

	dig := digest.FromBytes([]byte("expected bytes"))
	err := r.UploadBlob(ctx, "test/repo", dig, bytes.NewReader([]byte("different bytes")))
	var verification *BlobVerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("expected BlobVerificationError, got %v", err)
	}
	if verification.Expected != dig {
		t.Fatalf("expected digest %s in error, got %s", dig, verification.Expected)
	}
}

func TestHasBlobForbidden(t *testing.T) {
	ctx := context.Background()
	r, done := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v2/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer done()

	_, err := r.HasBlob(ctx, "test/repo", digest.FromBytes([]byte("x")))
	var unauthorized *UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if !unauthorized.Forbidden() {
		t.Fatal("expected a 403 to classify as forbidden")
	}
}

func TestRetryOnServerError(t *testing.T) {
	ctx := context.Background()
	srv := newFakeBlobServer()
	content := []byte("retried blob")
	dig := digest.FromBytes(content)
	srv.blobs[dig] = content

	failures := 0
	handler := srv.handler(t)
	r, done := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodHead && failures < 2 {
			failures++
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		handler(w, req)
	}))
	defer done()
	r.Opt.RetryDelay = 1

	has, err := r.HasBlob(ctx, "test/repo", dig)
	if err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if !has {
		t.Fatal("expected blob to be found after retries")
	}
	if failures != 2 {
		t.Fatalf("expected 2 failed attempts, got %d", failures)
	}
}

func TestUploadMissingLocation(t *testing.T) {
	ctx := context.Background()
	r, done := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v2/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		// initiate answered without a Location header
		w.WriteHeader(http.StatusAccepted)
	}))
	defer done()

	content := []byte("blob")
	err := r.UploadBlob(ctx, "test/repo", digest.FromBytes(content), bytes.NewReader(content))
	var protocol *ProtocolError
	if !errors.As(err, &protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Location") {
		t.Fatalf("expected the missing header to be named, got %v", err)
	}
}
