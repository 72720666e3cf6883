package processing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newInvoker(t *testing.T, handler http.HandlerFunc) (*Invoker, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	inv, err := New(Options{URL: srv.URL + "/ocr"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inv, &calls
}

func TestInvoke_Success(t *testing.T) {
	var gotFile, gotMethod, gotPath string
	inv, calls := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotFile = r.URL.Query().Get("file")
		w.Write([]byte(`"image123_ocr.pdf"`))
	})

	got, err := inv.Invoke(context.Background(), "image123.jpg")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "image123_ocr.pdf" {
		t.Errorf("result = %q, want image123_ocr.pdf", got)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("method = %s, want GET", gotMethod)
	}
	if gotPath != "/ocr" {
		t.Errorf("path = %s, want /ocr", gotPath)
	}
	if gotFile != "image123.jpg" {
		t.Errorf("file param = %q, want image123.jpg", gotFile)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("requests = %d, want exactly 1", n)
	}
}

func TestInvoke_BodyVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"json_literal", `"out.pdf"`, "out.pdf"},
		{"trailing_newline", "\"out.pdf\"\n", "out.pdf"},
		{"bare", "out.pdf", "out.pdf"},
		{"stray_quotes", `"out".pdf`, "out.pdf"},
		{"escaped_unicode", `"résumé.pdf"`, "résumé.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, _ := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			got, err := inv.Invoke(context.Background(), "in.jpg")
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInvoke_InvalidResultKey(t *testing.T) {
	for _, body := range []string{`""`, `"../../etc/passwd"`, `"dir/out.pdf"`, `".."`, ""} {
		t.Run(body, func(t *testing.T) {
			inv, _ := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			})
			_, err := inv.Invoke(context.Background(), "in.jpg")
			if !errors.Is(err, ErrProcessing) {
				t.Errorf("err = %v, want ErrProcessing", err)
			}
		})
	}
}

func TestInvoke_ServerError(t *testing.T) {
	inv, calls := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := inv.Invoke(context.Background(), "image123.jpg")
	if !errors.Is(err, ErrProcessing) {
		t.Fatalf("err = %v, want ErrProcessing", err)
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *StatusError", err)
	}
	if se.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", se.StatusCode)
	}
	if se.Body != "boom" {
		t.Errorf("Body = %q, want boom", se.Body)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("requests = %d, want 1 (no retry)", n)
	}
}

func TestInvoke_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	inv, err := New(Options{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inv.Invoke(context.Background(), "in.jpg"); !errors.Is(err, ErrProcessing) {
		t.Errorf("err = %v, want ErrProcessing", err)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	inv, err := New(Options{URL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := inv.Invoke(context.Background(), "in.jpg"); !errors.Is(err, ErrProcessing) {
		t.Errorf("err = %v, want ErrProcessing", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not applied, call took %v", elapsed)
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	inv, _ := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"x.pdf"`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inv.Invoke(ctx, "in.jpg")
	if !errors.Is(err, ErrProcessing) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want ErrProcessing wrapping context.Canceled", err)
	}
}

func TestRequestURL_KeepsExistingQuery(t *testing.T) {
	inv, err := New(Options{URL: "https://fn.example/process?token=abc", QueryParam: "file"})
	if err != nil {
		t.Fatal(err)
	}
	got := inv.RequestURL("image 1.jpg")
	want := "https://fn.example/process?file=image+1.jpg&token=abc"
	if got != want {
		t.Errorf("RequestURL = %q, want %q", got, want)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "/ocr", "ftp://x/ocr", "http://"} {
		if _, err := New(Options{URL: u}); err == nil {
			t.Errorf("New(%q) should fail", u)
		}
	}
}

func TestValidateResultKey(t *testing.T) {
	valid := []string{"image123_ocr.pdf", "a", "scan.v2.pdf", "scan..v2.pdf", "..hidden.pdf", "notes..."}
	for _, k := range valid {
		if err := ValidateResultKey(k); err != nil {
			t.Errorf("ValidateResultKey(%q) = %v", k, err)
		}
	}
	invalid := []string{"", "a/b", `a\b`, ".", "..", "x/../y", "../x.pdf"}
	for _, k := range invalid {
		if err := ValidateResultKey(k); err == nil {
			t.Errorf("ValidateResultKey(%q) should fail", k)
		}
	}
}
