package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/docscan/internal/capture"
	"github.com/cjeanneret/docscan/internal/config"
	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/hw/gpio"
	"github.com/cjeanneret/docscan/internal/hw/panel"
	"github.com/cjeanneret/docscan/internal/imagestore"
	"github.com/cjeanneret/docscan/internal/ledger"
	"github.com/cjeanneret/docscan/internal/logic/workflow"
	"github.com/cjeanneret/docscan/internal/processing"
	"github.com/cjeanneret/docscan/internal/storage"
	"github.com/cjeanneret/docscan/internal/viewer"
	"github.com/cjeanneret/docscan/internal/web"
)

// app holds the wired components.
type app struct {
	cfg         *config.Config
	images      *imagestore.Store
	ledger      *ledger.Ledger
	orch        *workflow.Orchestrator
	scanner     workflow.Scanner // nil without capture.command
	broadcaster *web.StatusBroadcaster

	gpio      gpio.Driver
	button    *panel.Button
	indicator *panel.Indicator
}

// newApp builds every component from cfg. broadcaster is nil when the web
// server is off.
func newApp(cfg *config.Config, broadcaster *web.StatusBroadcaster) (_ *app, err error) {
	a := &app{cfg: cfg, broadcaster: broadcaster}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	debug.Step(1, "Opening local cache")
	a.images, err = imagestore.New(cfg.Cache.Dir, cfg.Cache.JPEGQuality, cfg.Cache.MaxDimensionPx)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	debug.Step(2, "Connecting object storage")
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	debug.Step(3, "Configuring processing endpoint")
	invoker, err := processing.New(processing.Options{
		URL:        cfg.Processing.URL,
		QueryParam: cfg.Processing.QueryParam,
		Timeout:    cfg.ProcessingTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("init processing: %w", err)
	}

	debug.Step(4, "Opening ledger")
	debug.Value("Ledger", cfg.Ledger.Path)
	a.ledger, err = ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	view, err := a.viewers()
	if err != nil {
		return nil, err
	}

	a.orch = workflow.New(workflow.Deps{
		Images:  a.images,
		Store:   store,
		Invoker: invoker,
		Viewer:  view,
		Ledger:  a.ledger,
	}, workflow.Options{
		KeepCaptures:   cfg.Cache.KeepCaptures,
		CleanupTimeout: cfg.CleanupTimeout(),
	})
	if broadcaster != nil {
		a.orch.AddObserver(broadcaster)
	}

	if len(cfg.Capture.Command) > 0 {
		sc, err := capture.NewCommandScanner(cfg.Capture.Command)
		if err != nil {
			return nil, fmt.Errorf("init scanner: %w", err)
		}
		a.scanner = sc
		debug.Value("Scanner command", cfg.Capture.Command)
	}

	if cfg.Panel.Enabled {
		debug.Step(5, "Initializing panel")
		if err := a.initPanel(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) viewers() (viewer.Viewer, error) {
	var views viewer.Multi
	if len(a.cfg.Viewer.Command) > 0 {
		cv, err := viewer.NewCommandViewer(a.cfg.Viewer.Command)
		if err != nil {
			return nil, fmt.Errorf("init viewer: %w", err)
		}
		views = append(views, cv)
	}
	if a.cfg.Viewer.Browser && a.broadcaster != nil {
		views = append(views, web.NewBrowserViewer(a.broadcaster))
	}
	if len(views) == 0 {
		debug.Info("No viewer configured; results stay in %s", a.images.Dir())
	}
	return views, nil
}

func (a *app) initPanel() error {
	debug.Value("Mock GPIO", a.cfg.Panel.MockGPIO)
	drv, err := gpio.NewDriver(a.cfg.Panel.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO failed: %w", err)
	}
	a.gpio = drv

	a.button, err = panel.NewButton(drv, a.cfg.Panel.ButtonPin, a.cfg.PollInterval())
	if err != nil {
		return err
	}
	debug.Value("Button pin", a.cfg.Panel.ButtonPin)

	if a.cfg.Panel.LEDPin > 0 {
		a.indicator, err = panel.NewIndicator(drv, a.cfg.Panel.LEDPin)
		if err != nil {
			return err
		}
		a.orch.AddObserver(a.indicator)
		debug.Value("LED pin", a.cfg.Panel.LEDPin)
	}
	return nil
}

// maintain prunes old results and deletes remote objects left by an earlier run.
func (a *app) maintain(ctx context.Context) {
	if age := a.cfg.CacheMaxAge(); age > 0 {
		n, err := a.images.Prune(age)
		if err != nil {
			debug.Error(fmt.Errorf("prune cache: %w", err))
		} else if n > 0 {
			debug.Info("Pruned %d cached file(s) older than %v", n, age)
		}
	}

	n, err := a.orch.Sweep(ctx)
	if err != nil {
		debug.Error(fmt.Errorf("sweep: %w", err))
	}
	if n > 0 {
		debug.Info("Deleted %d remote object(s) left by a previous run", n)
	}
}

// trigger runs one scan from the panel button.
func (a *app) trigger(ctx context.Context) {
	if a.scanner == nil {
		debug.Info("Button pressed but no capture.command is configured")
		return
	}
	_, err := a.orch.Capture(ctx, a.scanner)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrBusy):
		debug.Info("Button ignored: a scan is already in progress")
	case errors.Is(err, workflow.ErrCaptureCancelled):
		debug.Info("Scan cancelled")
	default:
		debug.Error(err)
	}
}

// webServer returns the web server wired to the orchestrator.
func (a *app) webServer(addr string) (*web.Server, error) {
	return web.NewServer(addr, a.broadcaster, web.Deps{
		Orchestrator: a.orch,
		Scanner:      a.scanner,
		History:      a.ledger,
		Results:      a.images,
	})
}

// Close releases the ledger and the GPIO driver. It is safe to call twice.
func (a *app) Close() {
	if a.indicator != nil {
		a.indicator.Off()
		a.indicator = nil
	}
	if a.gpio != nil {
		if err := a.gpio.Close(); err != nil {
			debug.Error(fmt.Errorf("closing GPIO driver failed: %w", err))
		}
		a.gpio = nil
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			debug.Error(fmt.Errorf("closing ledger failed: %w", err))
		}
	}
}
