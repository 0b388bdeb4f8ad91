package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/snapetech/framegrabber/internal/capture"
	"github.com/snapetech/framegrabber/internal/engine"
	"github.com/snapetech/framegrabber/internal/frame"
	"github.com/snapetech/framegrabber/internal/preview"
	"github.com/snapetech/framegrabber/internal/rotator"
)

// inputFlags are shared by the operations that read a live source.
type inputFlags struct {
	rtspTransport string
	timeout       time.Duration
	prefix        string
	noProbe       bool
}

func (f *inputFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.rtspTransport, "rtsp-transport", "tcp", "RTSP transport (tcp, udp)")
	fl.DurationVar(&f.timeout, "io-timeout", 0, "engine socket timeout for network sources")
	fl.StringVar(&f.prefix, "fail-prefix", "", "stderr prefix that declares a source failure (default \"SOURCE: \")")
	fl.BoolVar(&f.noProbe, "no-probe", false, "skip the http(s) reachability check before starting")
}

func (f *inputFlags) input(source string) engine.Input {
	return engine.Input{Source: source, RTSPTransport: f.rtspTransport, Timeout: f.timeout}
}

func (f *inputFlags) check(ctx context.Context, source string) error {
	if f.noProbe {
		return nil
	}
	return probe(ctx, source)
}

// splitDash separates positional args from engine args given after "--".
func splitDash(cmd *cobra.Command, args []string) (pos, engineArgs []string) {
	n := cmd.ArgsLenAtDash()
	if n < 0 {
		return args, nil
	}
	return args[:n], args[n:]
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) captureCmd() *cobra.Command {
	var (
		in          inputFlags
		format      string
		fo          engine.FrameOptions
		outDir      string
		snapshot    string
		count       int
		previewAddr string
	)
	cmd := &cobra.Command{
		Use:   "capture SOURCE [-- ENGINE_ARGS...]",
		Short: "Stream still frames from a source",
		Long: `Stream still frames from SOURCE. Frames are numbered files in --out-dir, the
latest frame in --snapshot, and/or a live view on --preview. Arguments after "--"
replace the generated ffmpeg arguments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, engineArgs := splitDash(cmd, args)
			if len(pos) != 1 {
				return fmt.Errorf("capture takes exactly one SOURCE")
			}
			f, ok := frame.FormatByName(format)
			if !ok {
				return fmt.Errorf("unknown format %q (png, jpeg)", format)
			}
			if err := a.setup(true); err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext(cmd)
			defer stop()
			if err := in.check(ctx, pos[0]); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			var bg conc.WaitGroup
			defer func() {
				cancel()
				bg.Wait()
			}()
			hub := preview.NewHub()
			if srv := a.previewServer(previewAddr, hub); srv != nil {
				bg.Go(func() {
					if err := srv.Run(ctx); err != nil {
						log.Printf("preview: %v", err)
					}
				})
			}
			sink := &frameSink{dir: outDir, snapshot: snapshot, format: f, limit: int64(count), hub: hub, stop: cancel}
			s, err := a.runner().Capture(ctx, capture.CaptureOptions{
				Input:         in.input(pos[0]),
				Format:        f,
				Frame:         fo,
				Args:          engineArgs,
				FailurePrefix: in.prefix,
			}, capture.Callbacks{OnFrame: sink.write})
			if err != nil {
				return err
			}
			err = wait(ctx, s)
			log.Printf("capture: %d frame(s)", sink.n.Load())
			return err
		},
	}
	in.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&format, "format", "jpeg", "frame format (png, jpeg)")
	fl.Float64Var(&fo.FPS, "fps", 0, "frames per second (0 keeps the source rate)")
	fl.IntVar(&fo.Width, "width", 0, "scale frames to this width")
	fl.IntVar(&fo.Quality, "quality", 0, "JPEG qscale 2..31")
	fl.StringVar(&outDir, "out-dir", "", "write every frame as frame_NNNNNN.<ext> here")
	fl.StringVar(&snapshot, "snapshot", "", "keep the latest frame at this path")
	fl.IntVar(&count, "count", 0, "stop after this many frames")
	fl.StringVar(&previewAddr, "preview", "", "serve a live view on this address (e.g. :8090)")
	return cmd
}

// frameSink fans each frame out to the enabled outputs from the stream worker.
type frameSink struct {
	dir      string
	snapshot string
	format   frame.Format
	limit    int64
	hub      *preview.Hub
	stop     func()
	n        atomic.Int64
}

func (fs *frameSink) write(f frame.Frame) {
	n := fs.n.Add(1)
	if fs.limit > 0 && n > fs.limit {
		return
	}
	fs.hub.Publish("capture", fs.format, f)
	if fs.dir != "" {
		name := filepath.Join(fs.dir, fmt.Sprintf("frame_%06d.%s", n, fs.format.Name))
		if err := writeFileAtomic(name, f); err != nil {
			log.Printf("capture: write %s: %v", name, err)
		}
	}
	if fs.snapshot != "" {
		if err := writeFileAtomic(fs.snapshot, f); err != nil {
			log.Printf("capture: snapshot: %v", err)
		}
	}
	if fs.limit > 0 && n == fs.limit {
		fs.stop()
	}
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	partial := path + ".partial"
	if err := os.WriteFile(partial, b, 0o644); err != nil {
		os.Remove(partial)
		return err
	}
	return os.Rename(partial, path)
}

func (a *app) recordCmd() *cobra.Command {
	var (
		in       inputFlags
		staging  string
		output   string
		segment  time.Duration
		ext      string
		layout   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record SOURCE [-- ENGINE_ARGS...]",
		Short: "Segmented recording with rotation into the output directory",
		Long: `Record SOURCE into fixed-length segments in the staging directory. Each rotation
pass moves the newest completed segment into the output directory under a timestamp
name and deletes older staging leftovers. Remaining segments are promoted on exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, engineArgs := splitDash(cmd, args)
			if len(pos) != 1 {
				return fmt.Errorf("record takes exactly one SOURCE")
			}
			if err := a.setup(true); err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext(cmd)
			defer stop()
			if err := in.check(ctx, pos[0]); err != nil {
				return err
			}
			opts := capture.RecordOptions{
				Input:          in.input(pos[0]),
				StagingDir:     orDefault(staging, a.cfg.StagingDir),
				OutputDir:      orDefault(output, a.cfg.OutputDir),
				Segment:        engine.SegmentOptions{Duration: orDuration(segment, a.cfg.SegmentDuration), Ext: orDefault(ext, a.cfg.SegmentExt)},
				RotateInterval: orDuration(interval, a.cfg.RotateInterval),
				Layout:         layout,
				Watch:          true,
				Args:           engineArgs,
				FailurePrefix:  in.prefix,
			}
			s, err := a.runner().Record(ctx, opts, capture.Callbacks{
				OnSegment: func(seg rotator.Segment) {
					log.Printf("record: segment %s (%d bytes)", seg.OutputPath, seg.Size)
				},
			})
			if err != nil {
				return err
			}
			return wait(ctx, s)
		},
	}
	in.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&staging, "staging", "", "staging directory (default from config)")
	fl.StringVar(&output, "output", "", "output directory (default from config)")
	fl.DurationVar(&segment, "segment", 0, "segment length (default from config)")
	fl.StringVar(&ext, "ext", "", "segment container extension (default from config)")
	fl.StringVar(&layout, "layout", rotator.DefaultLayout, "time layout for promoted segment names")
	fl.DurationVar(&interval, "rotate-interval", 0, "rotation pass interval (default from config)")
	return cmd
}

func (a *app) timedCmd() *cobra.Command {
	var (
		in       inputFlags
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "timed SOURCE OUTPUT [-- ENGINE_ARGS...]",
		Short: "Record a fixed duration of a source into one file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, engineArgs := splitDash(cmd, args)
			if len(pos) != 2 {
				return fmt.Errorf("timed takes SOURCE and OUTPUT")
			}
			if err := a.setup(true); err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext(cmd)
			defer stop()
			if err := in.check(ctx, pos[0]); err != nil {
				return err
			}
			s, err := a.runner().TimedRecord(ctx, capture.TimedOptions{
				Input:         in.input(pos[0]),
				Output:        pos[1],
				Duration:      duration,
				Args:          engineArgs,
				FailurePrefix: in.prefix,
			}, capture.Callbacks{})
			if err != nil {
				return err
			}
			return wait(ctx, s)
		},
	}
	in.register(cmd)
	cmd.Flags().DurationVarP(&duration, "duration", "d", time.Minute, "recording length")
	return cmd
}

func (a *app) convertCmd() *cobra.Command {
	var (
		codecs engine.ConvertOptions
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "convert INPUT OUTPUT [-- ENGINE_ARGS...]",
		Short: "Transcode or remux a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, engineArgs := splitDash(cmd, args)
			if len(pos) != 2 {
				return fmt.Errorf("convert takes INPUT and OUTPUT")
			}
			if err := a.setup(true); err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext(cmd)
			defer stop()
			s, err := a.runner().Convert(ctx, capture.ConvertOptions{
				Input:         pos[0],
				Output:        pos[1],
				Codecs:        codecs,
				Args:          engineArgs,
				FailurePrefix: prefix,
			}, capture.Callbacks{})
			if err != nil {
				return err
			}
			return wait(ctx, s)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&codecs.VideoCodec, "vcodec", "", "video codec (default copy)")
	fl.StringVar(&codecs.AudioCodec, "acodec", "", "audio codec (default copy)")
	fl.StringVar(&prefix, "fail-prefix", "", "stderr prefix that declares a failure (default \"INPUT: \")")
	return cmd
}

func (a *app) mergeCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "merge OUTPUT INPUT... [-- ENGINE_ARGS...]",
		Short: "Concatenate files in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, engineArgs := splitDash(cmd, args)
			if len(pos) < 2 {
				return fmt.Errorf("merge takes OUTPUT and at least one INPUT")
			}
			if err := a.setup(true); err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext(cmd)
			defer stop()
			s, err := a.runner().Merge(ctx, capture.MergeOptions{
				Inputs:        pos[1:],
				Output:        pos[0],
				Args:          engineArgs,
				FailurePrefix: prefix,
			}, capture.Callbacks{})
			if err != nil {
				return err
			}
			return wait(ctx, s)
		},
	}
	cmd.Flags().StringVar(&prefix, "fail-prefix", "", "stderr prefix that declares a failure")
	return cmd
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
