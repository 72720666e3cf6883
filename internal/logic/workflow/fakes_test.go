package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cjeanneret/docscan/internal/imagestore"
	"github.com/cjeanneret/docscan/internal/ledger"
	"github.com/cjeanneret/docscan/internal/viewer"
)

// recorder is the shared, ordered log of side effects.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(event string) int {
	for i, e := range r.list() {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.list() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// fakeImages wraps a real cache directory and records saves.
type fakeImages struct {
	*imagestore.Store
	rec     *recorder
	saveErr error
}

func (f *fakeImages) Save(ctx context.Context, img image.Image) (imagestore.LocalFile, error) {
	f.rec.add("save")
	if f.saveErr != nil {
		return imagestore.LocalFile{}, f.saveErr
	}
	return f.Store.Save(ctx, img)
}

// fakeStore is an in-memory bucket.
type fakeStore struct {
	rec *recorder

	mu          sync.Mutex
	objects     map[string]bool
	uploadKey   string // overrides the base name when set
	uploadErr   error
	downloadErr error
	deleteErr   error
	deleteCtxs  []error
}

func newFakeStore(rec *recorder) *fakeStore {
	return &fakeStore{rec: rec, objects: make(map[string]bool)}
}

func (f *fakeStore) Upload(ctx context.Context, localPath string) (string, error) {
	key := filepath.Base(localPath)
	f.mu.Lock()
	if f.uploadKey != "" {
		key = f.uploadKey
	}
	err := f.uploadErr
	f.mu.Unlock()

	f.rec.add("upload:%s", key)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.objects[key] = true
	f.mu.Unlock()
	return key, nil
}

func (f *fakeStore) Download(ctx context.Context, key, destPath string) (string, error) {
	f.rec.add("download:%s", key)
	f.mu.Lock()
	err := f.downloadErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(destPath, []byte("result of "+key), 0o600); err != nil {
		return "", err
	}
	return destPath, nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.rec.add("delete:%s", key)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCtxs = append(f.deleteCtxs, ctx.Err())
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func (f *fakeStore) set(fn func(f *fakeStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeInvoker returns a fixed result, or blocks until released.
type fakeInvoker struct {
	rec     *recorder
	result  string
	echo    bool // return the input key unchanged
	err     error
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeInvoker) Invoke(ctx context.Context, key string) (string, error) {
	f.rec.add("invoke:%s", key)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if f.echo {
		return key, nil
	}
	if f.result != "" {
		return f.result, nil
	}
	return key + ".pdf", nil
}

type fakeViewer struct {
	rec  *recorder
	err  error
	opts []viewer.Options
}

func (f *fakeViewer) Open(ctx context.Context, path string, opts viewer.Options) error {
	f.rec.add("open:%s", filepath.Base(path))
	f.opts = append(f.opts, opts)
	return f.err
}

// recordingObserver keeps every notification.
type recordingObserver struct {
	mu       sync.Mutex
	states   []State
	finished []Job
	onState  func(State)
}

func (o *recordingObserver) StateChanged(job Job, s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	fn := o.onState
	o.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (o *recordingObserver) JobFinished(job Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, job)
}

func (o *recordingObserver) stateList() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func (o *recordingObserver) finishedJobs() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Job(nil), o.finished...)
}

// harness wires an orchestrator to fakes and an in-memory ledger.
type harness struct {
	rec     *recorder
	images  *fakeImages
	store   *fakeStore
	invoker *fakeInvoker
	viewer  *fakeViewer
	ledger  *ledger.Ledger
	obs     *recordingObserver
	orch    *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	rec := &recorder{}
	st, err := imagestore.New(t.TempDir(), 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(ledger.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	h := &harness{
		rec:     rec,
		images:  &fakeImages{Store: st, rec: rec},
		store:   newFakeStore(rec),
		invoker: &fakeInvoker{rec: rec},
		viewer:  &fakeViewer{rec: rec},
		ledger:  l,
		obs:     &recordingObserver{},
	}
	h.orch = New(Deps{
		Images:  h.images,
		Store:   h.store,
		Invoker: h.invoker,
		Viewer:  h.viewer,
		Ledger:  h.ledger,
	}, opts)
	h.orch.AddObserver(h.obs)
	return h
}

func (h *harness) pending(t *testing.T) []string {
	t.Helper()
	objs, err := h.ledger.Pending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	keys := []string{}
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	return keys
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.Black)
	}
	return img
}

var errNetwork = errors.New("network unreachable")
