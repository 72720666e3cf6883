package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/docscan/internal/debug"
)

// ErrProcessing is returned for any failed invocation of the remote function.
var ErrProcessing = errors.New("processing failed")

// DefaultTimeout applies to connect, read/write and the whole call.
const DefaultTimeout = 60 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 << 10

// StatusError is returned when the function answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("processing returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("processing returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrProcessing
}

// Options configures an Invoker.
type Options struct {
	URL        string
	QueryParam string        // default "file"
	Timeout    time.Duration // default DefaultTimeout
	Client     *http.Client  // overrides the built-in client (tests)
}

// Invoker calls the remote OCR function once per job.
type Invoker struct {
	base   *url.URL
	param  string
	client *http.Client
}

// New validates opts and builds the HTTP client.
func New(opts Options) (*Invoker, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse processing url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("processing url must be an absolute http(s) URL, got %q", opts.URL)
	}
	if opts.QueryParam == "" {
		opts.QueryParam = "file"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = newClient(opts.Timeout)
	}
	return &Invoker{base: u, param: opts.QueryParam, client: client}, nil
}

func newClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport, Timeout: timeout}
}

// RequestURL returns the URL invoked for key. Query parameters already present
// on the base URL are kept.
func (i *Invoker) RequestURL(key string) string {
	u := *i.base
	q := u.Query()
	q.Set(i.param, key)
	u.RawQuery = q.Encode()
	return u.String()
}

// Invoke asks the function to process key and returns the key of the result object.
func (i *Invoker) Invoke(ctx context.Context, key string) (string, error) {
	reqID := uuid.New().String()
	start := time.Now()
	target := i.RequestURL(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrProcessing, err)
	}
	req.Header.Set("X-Request-Id", reqID)

	debug.Logger().Debug().Str("req_id", reqID).Str("url", target).Msg("processing.request")

	resp, err := i.client.Do(req)
	if err != nil {
		debug.Logger().Error().Str("req_id", reqID).Err(err).
			Int64("elapsed_ms", time.Since(start).Milliseconds()).Msg("processing.send_error")
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrProcessing, err)
	}

	debug.Logger().Info().Str("req_id", reqID).Int("status", resp.StatusCode).Int("bytes", len(raw)).
		Int64("elapsed_ms", time.Since(start).Milliseconds()).Msg("processing.response")

	if resp.StatusCode/100 != 2 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	resultKey := ParseResultKey(raw)
	if err := ValidateResultKey(resultKey); err != nil {
		return "", fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	debug.Live("Processing %s -> %s", key, resultKey)
	return resultKey, nil
}

// ParseResultKey extracts the result key from a response body. A JSON string
// literal is decoded; anything else has its quote characters stripped.
func ParseResultKey(body []byte) string {
	s := strings.TrimSpace(string(body))
	var decoded string
	if err := json.Unmarshal([]byte(s), &decoded); err == nil {
		return strings.TrimSpace(decoded)
	}
	return strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
}
