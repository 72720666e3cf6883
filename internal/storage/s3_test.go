package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeS3 answers just enough of the S3 API for PUT and DELETE.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string
	denied  bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[path] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		f.deletes = append(f.deletes, path)
		if f.denied {
			writeS3Error(w, http.StatusForbidden, "AccessDenied")
			return
		}
		if _, ok := f.objects[path]; !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		delete(f.objects, path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>`+code+`</Message></Error>`)
}

func newFakeS3(t *testing.T) (*fakeS3, *S3Store) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(S3Options{
		Endpoint:        strings.TrimPrefix(srv.URL, "http://"),
		Region:          "us-east-1",
		Bucket:          "scans",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return fake, s
}

func TestNewS3Store_RequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewS3Store(S3Options{Bucket: "b"}); err == nil {
		t.Error("missing endpoint should fail")
	}
	if _, err := NewS3Store(S3Options{Endpoint: "localhost:9000"}); err == nil {
		t.Error("missing bucket should fail")
	}
}

func TestS3Store_UploadUsesBaseName(t *testing.T) {
	fake, s := newFakeS3(t)
	local := writeFile(t, t.TempDir(), "image123.jpg", "jpeg bytes")

	key, err := s.Upload(context.Background(), local)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if key != "image123.jpg" {
		t.Errorf("key = %q, want image123.jpg", key)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.objects["scans/image123.jpg"]; !ok {
		t.Errorf("object not stored under scans/image123.jpg, have %v", fake.objects)
	}
}

func TestS3Store_UploadMissingFile(t *testing.T) {
	_, s := newFakeS3(t)
	_, err := s.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	if !errors.Is(err, ErrUpload) {
		t.Errorf("err = %v, want ErrUpload", err)
	}
}

func TestS3Store_DeleteAbsentIsNotAnError(t *testing.T) {
	fake, s := newFakeS3(t)
	for i := 0; i < 2; i++ {
		if err := s.Delete(context.Background(), "gone.pdf"); err != nil {
			t.Errorf("Delete #%d = %v, want nil", i+1, err)
		}
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deletes) != 2 {
		t.Errorf("deletes = %v, want 2 requests", fake.deletes)
	}
}

func TestS3Store_DeleteDenied(t *testing.T) {
	fake, s := newFakeS3(t)
	fake.mu.Lock()
	fake.denied = true
	fake.mu.Unlock()
	err := s.Delete(context.Background(), "image123.jpg")
	if !errors.Is(err, ErrDelete) {
		t.Errorf("err = %v, want ErrDelete", err)
	}
}

func TestS3Store_DownloadRejectsTraversal(t *testing.T) {
	_, s := newFakeS3(t)
	_, err := s.Download(context.Background(), "../x.pdf", filepath.Join(t.TempDir(), "x.pdf"))
	if !errors.Is(err, ErrDownload) {
		t.Errorf("err = %v, want ErrDownload", err)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.jpg":     "image/jpeg",
		"b.pdf":     "application/pdf",
		"c.unknown": "application/octet-stream",
	}
	for name, want := range tests {
		if got := contentType(name); got != want {
			t.Errorf("contentType(%q) = %q, want %q", name, got, want)
		}
	}
}
