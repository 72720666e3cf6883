package web

import (
	"context"
	"net/url"
	"path/filepath"

	"github.com/cjeanneret/docscan/internal/viewer"
)

// BrowserViewer opens results in the connected pages by publishing an "open"
// event pointing at GET /results/:name.
type BrowserViewer struct {
	b *StatusBroadcaster
}

// NewBrowserViewer returns a viewer publishing on b.
func NewBrowserViewer(b *StatusBroadcaster) *BrowserViewer {
	return &BrowserViewer{b: b}
}

func (v *BrowserViewer) Open(ctx context.Context, path string, _ viewer.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := filepath.Base(path)
	v.b.Publish(StatusEvent{Level: "info", Kind: KindOpen, Msg: "Opening " + name, URL: ResultURL(name)})
	return nil
}

// ResultURL is where the page fetches a downloaded result.
func ResultURL(name string) string {
	return "/results/" + url.PathEscape(name)
}
