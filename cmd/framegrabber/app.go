package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/snapetech/framegrabber/internal/capture"
	"github.com/snapetech/framegrabber/internal/config"
	"github.com/snapetech/framegrabber/internal/engine"
	"github.com/snapetech/framegrabber/internal/health"
	"github.com/snapetech/framegrabber/internal/ledger"
	"github.com/snapetech/framegrabber/internal/metrics"
	"github.com/snapetech/framegrabber/internal/preview"
	"github.com/snapetech/framegrabber/internal/registry"
	"github.com/snapetech/framegrabber/internal/safeurl"
)

// app holds what every subcommand shares once config is loaded.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
	bindErr error

	cfg        *config.Config
	enginePath string
	gatherer   *prometheus.Registry
	metrics    *metrics.Metrics
	ledger     *ledger.Ledger
	registry   *registry.Registry
}

func newRootCmd() *cobra.Command {
	return (&app{v: config.New()}).rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "framegrabber",
		Short:        "Capture frames and recordings from live sources through ffmpeg",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.bindErr
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default "+config.ConfigDir()+"/framegrabber.yaml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "KEY=VALUE file loaded into the environment first")
	pf.String("ffmpeg", "", "ffmpeg binary (default $"+engine.PathEnv+" or PATH)")
	pf.String("ledger", "", "SQLite ledger path (\"off\" disables)")
	pf.String("transcripts", "", "directory for compressed engine stderr transcripts")
	pf.Duration("liveness-timeout", 0, "declare a stream timeout after this long without output")
	a.bind(pf.Lookup("ffmpeg"), "ffmpeg_path")
	a.bind(pf.Lookup("ledger"), "ledger_path")
	a.bind(pf.Lookup("transcripts"), "transcript_dir")
	a.bind(pf.Lookup("liveness-timeout"), "liveness_timeout")

	root.AddCommand(
		a.captureCmd(),
		a.recordCmd(),
		a.timedCmd(),
		a.convertCmd(),
		a.mergeCmd(),
		a.runCmd(false),
		a.runCmd(true),
		a.killallCmd(),
		a.reapCmd(),
		a.segmentsCmd(),
		a.transcriptCmd(),
	)
	return root
}

// bind makes an explicitly set flag override config and env for key. Errors surface
// when the command runs.
func (a *app) bind(f *pflag.Flag, key string) {
	if err := a.v.BindPFlag(key, f); err != nil {
		a.bindErr = errors.Join(a.bindErr, fmt.Errorf("bind %s: %w", key, err))
	}
}

// setup loads config and opens the shared collaborators; callers defer close.
// needEngine is false for commands that only touch the ledger.
func (a *app) setup(needEngine bool) error {
	if err := config.LoadEnvFile(a.envFile); err != nil {
		log.Printf("env file %s: %v", a.envFile, err)
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	name := engine.DefaultName
	if needEngine {
		path, err := engine.ResolvePath(cfg.FFmpegPath)
		if err != nil {
			return fmt.Errorf("ffmpeg not found: %w", err)
		}
		a.enginePath = path
		name = engine.ProcessName(path)
	} else if cfg.FFmpegPath != "" {
		name = engine.ProcessName(cfg.FFmpegPath)
	}

	if cfg.Metrics {
		a.gatherer = prometheus.NewRegistry()
		a.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.New(a.gatherer)
	}

	var opts []registry.Option
	if cfg.LedgerPath != "" && cfg.LedgerPath != "off" {
		l, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			return err
		}
		a.ledger = l
		opts = append(opts, registry.WithJournal(l))
	}
	a.registry = registry.New(name, opts...)
	return nil
}

func (a *app) close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			log.Printf("ledger close: %v", err)
		}
		a.ledger = nil
	}
}

func (a *app) runner() *capture.Runner {
	r := &capture.Runner{
		EnginePath:      a.enginePath,
		Registry:        a.registry,
		Metrics:         a.metrics,
		TranscriptDir:   a.cfg.TranscriptDir,
		LivenessTimeout: a.cfg.LivenessTimeout,
		PollInterval:    a.cfg.PollInterval,
		PollAttempts:    a.cfg.PollAttempts,
	}
	if a.ledger != nil {
		r.Segments = a.ledger
	}
	return r
}

// previewServer returns nil when addr is empty.
func (a *app) previewServer(addr string, hub *preview.Hub) *preview.Server {
	if addr == "" {
		return nil
	}
	s := &preview.Server{Addr: addr, Hub: hub, MaxConns: a.cfg.PreviewMaxConns}
	if a.gatherer != nil {
		s.Gatherer = a.gatherer
	}
	return s
}

// probe checks an http(s) source before the engine is started. Other sources are
// left to the engine.
func probe(ctx context.Context, source string) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	err := health.CheckSource(ctx, source)
	if errors.Is(err, health.ErrSkipped) {
		return nil
	}
	if err == nil {
		log.Printf("source %s reachable", safeurl.Redact(source))
	}
	return err
}

// wait blocks until the session is done or ctx ends, disposes it and turns the
// outcome into an error.
func wait(ctx context.Context, s *capture.Session) error {
	defer s.Dispose()
	log.Printf("op=%s kind=%s pid=%d started", s.ID(), s.Kind(), s.PID())
	select {
	case <-ctx.Done():
		log.Printf("op=%s stopping", s.ID())
		return nil
	case <-s.Done():
	}
	if err := s.Err(); err != nil {
		return err
	}
	if code := s.ExitCode(); code != 0 {
		return fmt.Errorf("engine exited with code %d", code)
	}
	if out := s.Output(); out != "" {
		log.Printf("op=%s wrote %s", s.ID(), out)
	}
	return nil
}
