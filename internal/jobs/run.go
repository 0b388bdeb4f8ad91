package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/snapetech/framegrabber/internal/capture"
	"github.com/snapetech/framegrabber/internal/config"
	"github.com/snapetech/framegrabber/internal/engine"
	"github.com/snapetech/framegrabber/internal/frame"
)

// FrameFunc receives every frame of every capture job (e.g. a preview hub).
type FrameFunc func(job string, format frame.Format, f frame.Frame)

// Run starts every enabled job and waits until all of them ended or ctx is done.
// Continuous jobs (capture, record) end only with ctx or a stream failure.
// It returns the first job error.
func Run(ctx context.Context, f File, r *capture.Runner, onFrame FrameFunc) error {
	for _, ef := range f.EnvFiles {
		if err := config.LoadEnvFile(ef); err != nil {
			log.Printf("jobs: env file %s: %v", ef, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(f.Jobs))
	var wg conc.WaitGroup
	started := 0
	for _, j := range f.Jobs {
		if j.Disabled {
			log.Printf("jobs: skipping disabled job %q", j.Name)
			continue
		}
		started++
		wg.Go(func() {
			err := runJob(ctx, r, j, onFrame)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			errCh <- err
			if f.FailFast {
				cancel()
			}
		})
	}
	if started == 0 {
		return fmt.Errorf("no enabled jobs")
	}
	log.Printf("jobs: started %d job(s) failFast=%t", started, f.FailFast)
	wg.Wait()
	close(errCh)
	var first error
	n := 0
	for err := range errCh {
		if first == nil {
			first = err
		}
		n++
	}
	if n > 1 {
		log.Printf("jobs: %d job(s) failed", n)
	}
	return first
}

func runJob(ctx context.Context, r *capture.Runner, j Job, onFrame FrameFunc) error {
	if d := j.StartDelay.Duration(0); d > 0 {
		log.Printf("jobs[%s]: delaying start by %s", j.Name, d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	s, err := start(ctx, r, j, onFrame)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	defer s.Dispose()
	log.Printf("jobs[%s]: running op=%s kind=%s tracked=%s pid=%d", j.Name, s.ID(), j.Kind, j.OpKind(), s.PID())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	if code := s.ExitCode(); code != 0 {
		return fmt.Errorf("job %s: engine exited with code %d", j.Name, code)
	}
	log.Printf("jobs[%s]: done output=%q", j.Name, s.Output())
	return nil
}

func start(ctx context.Context, r *capture.Runner, j Job, onFrame FrameFunc) (*capture.Session, error) {
	switch j.Kind {
	case KindCapture:
		cb := capture.Callbacks{OnFrame: func(fr frame.Frame) {
			if onFrame != nil {
				onFrame(j.Name, j.format(), fr)
			}
			if j.Output != "" {
				if err := writeSnapshot(j.Output, fr); err != nil {
					log.Printf("jobs[%s]: snapshot err=%v", j.Name, err)
				}
			}
		}}
		return r.Capture(ctx, capture.CaptureOptions{
			Input:  j.input(),
			Format: j.format(),
			Frame:  engine.FrameOptions{FPS: j.FPS, Width: j.Width, Quality: j.Quality},
			Args:   j.Args,
		}, cb)
	case KindRecord:
		return r.Record(ctx, capture.RecordOptions{
			Input:      j.input(),
			StagingDir: j.StagingDir,
			OutputDir:  j.Output,
			Segment:    engine.SegmentOptions{Duration: j.Segment.Duration(0), Ext: j.Ext},
			Watch:      true,
			Args:       j.Args,
		}, capture.Callbacks{})
	case KindTimed:
		return r.TimedRecord(ctx, capture.TimedOptions{
			Input:    j.input(),
			Output:   j.Output,
			Duration: j.Duration.Duration(0),
			Args:     j.Args,
		}, capture.Callbacks{})
	case KindConvert:
		return r.Convert(ctx, capture.ConvertOptions{
			Input:  j.Source,
			Output: j.Output,
			Codecs: engine.ConvertOptions{VideoCodec: j.VideoCodec, AudioCodec: j.AudioCodec},
			Args:   j.Args,
		}, capture.Callbacks{})
	case KindMerge:
		return r.Merge(ctx, capture.MergeOptions{Inputs: j.Inputs, Output: j.Output, Args: j.Args}, capture.Callbacks{})
	}
	return nil, fmt.Errorf("unknown kind %q", j.Kind)
}

// writeSnapshot replaces path with the frame atomically.
func writeSnapshot(path string, f frame.Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	partial := path + ".partial"
	if err := os.WriteFile(partial, f, 0o644); err != nil {
		os.Remove(partial)
		return err
	}
	return os.Rename(partial, path)
}
