package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/docscan/internal/capture"
	"github.com/cjeanneret/docscan/internal/config"
	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/logic/workflow"
	"github.com/cjeanneret/docscan/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	imagePath := flag.String("image", "", "process one image file and exit")
	scanOnce := flag.Bool("scan", false, "run the configured scanner command once and exit")
	inboxDir := flag.String("inbox", "", "watch a directory for scanned images (overrides capture.inbox_dir)")
	flag.Parse()

	opts := runOptions{
		webPort:   webPort.port(),
		imagePath: *imagePath,
		scanOnce:  *scanOnce,
		inboxDir:  *inboxDir,
	}
	if err := opts.validate(); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	opts.apply(cfg)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	gin.SetMode(gin.ReleaseMode)

	var broadcaster *web.StatusBroadcaster
	if opts.webPort > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Storage backend", cfg.Storage.Backend)
	debug.Value("Bucket", cfg.Storage.Bucket)
	debug.Value("Processing URL", cfg.Processing.URL)
	debug.Value("Cache dir", cfg.Cache.Dir)

	a, err := newApp(cfg, broadcaster)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer a.Close()

	a.maintain(ctx)

	if err := run(ctx, a, opts); err != nil {
		if errors.Is(err, workflow.ErrCaptureCancelled) {
			debug.Info("Scan cancelled")
			return
		}
		a.Close()
		log.Fatalf("docscan: %v", err)
	}
}

// runOptions are the run modes selected on the command line.
type runOptions struct {
	webPort   int
	imagePath string
	scanOnce  bool
	inboxDir  string
}

// validate rejects flag combinations that cannot run together. One-shot
// modes (-image, -scan) exit after their job and exclude the long-running ones.
func (o runOptions) validate() error {
	if o.imagePath != "" && o.scanOnce {
		return fmt.Errorf("-image and -scan are mutually exclusive")
	}
	if o.oneShot() && (o.webPort > 0 || o.inboxDir != "") {
		return fmt.Errorf("-image and -scan cannot be combined with -web or -inbox")
	}
	return nil
}

func (o runOptions) oneShot() bool {
	return o.imagePath != "" || o.scanOnce
}

// apply mutates cfg with command line overrides.
func (o runOptions) apply(cfg *config.Config) {
	if o.inboxDir != "" {
		cfg.Capture.InboxDir = o.inboxDir
	}
}

func run(ctx context.Context, a *app, opts runOptions) error {
	switch {
	case opts.imagePath != "":
		img, err := capture.DecodeFile(opts.imagePath)
		if err != nil {
			return err
		}
		return jobResult(a.orch.Run(ctx, img))

	case opts.scanOnce:
		if a.scanner == nil {
			return fmt.Errorf("-scan needs capture.command in the config")
		}
		return jobResult(a.orch.Capture(ctx, a.scanner))
	}
	return serve(ctx, a, opts.webPort)
}

// jobResult reports the outcome of a one-shot job.
func jobResult(job *workflow.Job, err error) error {
	if err != nil {
		return err
	}
	debug.Info("Result: %s (%s)", job.ResultKey, job.LocalResult.Path)
	return nil
}

// serve runs the web server, the inbox watcher and the panel button until ctx is done.
func serve(ctx context.Context, a *app, webPort int) error {
	g, ctx := errgroup.WithContext(ctx)
	services := 0

	if webPort > 0 {
		srv, err := a.webServer(fmt.Sprintf(":%d", webPort))
		if err != nil {
			return err
		}
		services++
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if dir := a.cfg.Capture.InboxDir; dir != "" {
		inbox, err := capture.NewInbox(capture.InboxConfig{
			Dir:      dir,
			Debounce: a.cfg.InboxDebounce(),
		}, a.orch)
		if err != nil {
			return err
		}
		services++
		g.Go(func() error {
			return inbox.Run(ctx)
		})
	}

	if a.button != nil {
		services++
		g.Go(func() error {
			return a.button.Run(ctx, func() {
				a.trigger(ctx)
			})
		})
	}

	if services == 0 {
		return fmt.Errorf("nothing to do: use -web, -inbox, -image or -scan, or enable the panel")
	}
	return g.Wait()
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
