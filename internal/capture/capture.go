// Package capture runs capture, record, convert, and merge operations. Each operation
// is a Session that owns one supervised engine and reports upward only through Callbacks.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/snapetech/framegrabber/internal/diag"
	"github.com/snapetech/framegrabber/internal/engine"
	"github.com/snapetech/framegrabber/internal/frame"
	"github.com/snapetech/framegrabber/internal/metrics"
	"github.com/snapetech/framegrabber/internal/registry"
	"github.com/snapetech/framegrabber/internal/rotator"
	"github.com/snapetech/framegrabber/internal/safeurl"
	"github.com/snapetech/framegrabber/internal/supervisor"
)

// Callbacks is the upward surface of an operation. Any field may be nil.
//
// OnFrame is called once per completed frame in stream order (capture only).
// OnStreamFail is called at most once, with "Stream Timeout" or the engine's
// source-failure message. OnStreamEnd is called once when a file-producing
// operation's engine exits with code 0. OnSegment is called per promoted segment.
//
// Session.Dispose may be called from any callback. From OnFrame or OnSegment it stops
// the engine and returns; the remaining teardown runs once the callback has returned,
// and Done is closed when it finishes.
type Callbacks struct {
	OnFrame      func(frame.Frame)
	OnStreamFail func(msg string)
	OnStreamEnd  func(outputPath string)
	OnSegment    func(rotator.Segment)
}

// SegmentSink stores promoted segments (see internal/ledger).
type SegmentSink interface {
	RecordSegment(opID string, s rotator.Segment) error
}

// Runner holds the collaborators shared by every operation it starts.
type Runner struct {
	EnginePath string
	Registry   *registry.Registry
	Metrics    *metrics.Metrics
	Segments   SegmentSink
	// TranscriptDir, when set, keeps a brotli-compressed stderr transcript per operation.
	TranscriptDir string

	LivenessTimeout time.Duration
	Tick            time.Duration
	PollInterval    time.Duration
	PollAttempts    int
}

// Session is one running operation. Dispose it exactly when done; extra calls are no-ops.
type Session struct {
	id     string
	kind   registry.Kind
	output string
	sup    *supervisor.Supervisor
	rot    *rotator.Rotator
	cb     Callbacks
	m      *metrics.Metrics

	cancel  context.CancelFunc
	workers conc.WaitGroup
	cleanup []string

	frames    atomic.Int64
	disposing atomic.Bool
	callbacks atomic.Int32 // OnFrame/OnSegment calls in progress on a worker

	doneOnce       sync.Once
	done           chan struct{}
	disposeStarted atomic.Bool
	disposed       chan struct{}
}

// ID returns the operation id.
func (s *Session) ID() string { return s.id }

// Kind returns the operation kind.
func (s *Session) Kind() registry.Kind { return s.kind }

// PID returns the engine process id.
func (s *Session) PID() int { return s.sup.PID() }

// Err returns the declared stream failure, if any.
func (s *Session) Err() error { return s.sup.Err() }

// Liveness returns the time since the last qualifying activity.
func (s *Session) Liveness() time.Duration { return s.sup.Liveness() }

// Frames returns the number of frames delivered so far.
func (s *Session) Frames() int64 { return s.frames.Load() }

// ExitCode returns the engine's exit code, or -1 while it runs.
func (s *Session) ExitCode() int { return s.sup.ExitCode() }

// Output returns the output file (timed/convert/merge) or directory (record).
func (s *Session) Output() string { return s.output }

// Done is closed once the operation reached a terminal state: a stream failure, a
// completion, or an engine exit that will not produce a completion.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) finish() { s.doneOnce.Do(func() { close(s.done) }) }

// Dispose stops the engine, joins every worker, promotes the remaining segments of a
// recording and removes temporary files. See Callbacks for calls from a callback.
func (s *Session) Dispose() {
	if s.disposeStarted.CompareAndSwap(false, true) {
		s.disposing.Store(true)
		s.sup.Dispose()
		s.cancel()
		if s.callbacks.Load() > 0 {
			go s.teardown()
			return
		}
		s.teardown()
		return
	}
	if s.callbacks.Load() > 0 {
		return
	}
	<-s.disposed
}

// callback runs fn as a worker callback; see Callbacks.
func (s *Session) callback(fn func()) {
	s.callbacks.Add(1)
	defer s.callbacks.Add(-1)
	fn()
}

func (s *Session) teardown() {
	defer close(s.disposed)
	s.workers.Wait()
	if s.rot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		segs, err := s.rot.Drain(ctx)
		cancel()
		if err != nil {
			log.Printf("capture[%s]: drain staging err=%v", s.id, err)
		} else if len(segs) > 0 {
			log.Printf("capture[%s]: drained %d segment(s)", s.id, len(segs))
		}
	}
	for _, p := range s.cleanup {
		_ = os.Remove(p)
	}
	s.finish()
	log.Printf("capture[%s]: disposed kind=%s frames=%d", s.id, s.kind, s.frames.Load())
}

// op is the shape shared by every operation before its engine starts.
type op struct {
	kind           registry.Kind
	args           []string
	failurePrefix  string
	resetOn        supervisor.ResetMode
	completeOnExit bool
	output         string
}

func (r *Runner) prepare(o op, cb Callbacks) (*Session, error) {
	if strings.TrimSpace(r.EnginePath) == "" {
		return nil, fmt.Errorf("capture: engine path not set")
	}
	if len(o.args) == 0 {
		return nil, fmt.Errorf("capture: empty engine arguments")
	}
	s := &Session{
		id:       uuid.NewString(),
		kind:     o.kind,
		output:   o.output,
		cb:       cb,
		m:        r.Metrics,
		cancel:   func() {},
		done:     make(chan struct{}),
		disposed: make(chan struct{}),
	}
	cfg := supervisor.Config{
		Name:            s.id[:8],
		Kind:            o.kind,
		EngineName:      engine.ProcessName(r.EnginePath),
		Path:            r.EnginePath,
		Args:            o.args,
		LivenessTimeout: r.LivenessTimeout,
		Tick:            r.Tick,
		ResetOn:         o.resetOn,
		FailurePrefix:   o.failurePrefix,
		CompleteOnExit:  o.completeOnExit,
		OutputPath:      o.output,
		PollInterval:    r.PollInterval,
		PollAttempts:    r.PollAttempts,
	}
	scb := supervisor.Callbacks{
		OnStreamFail: func(msg string) {
			if cb.OnStreamFail != nil {
				cb.OnStreamFail(msg)
			}
			s.finish()
		},
		OnStreamEnd: func(p string) {
			if cb.OnStreamEnd != nil {
				cb.OnStreamEnd(p)
			}
			s.finish()
		},
	}
	opts := []supervisor.Option{
		supervisor.WithMetrics(r.Metrics),
		supervisor.WithLimiter(diag.NewLimiter(fmt.Sprintf("capture[%s] %s:", s.id[:8], o.kind), 2*time.Second, 5)),
	}
	if r.TranscriptDir != "" {
		if t, err := r.openTranscript(s.id); err != nil {
			log.Printf("capture[%s]: transcript disabled err=%v", s.id, err)
		} else {
			opts = append(opts, supervisor.WithTranscript(t))
		}
	}
	s.sup = supervisor.New(cfg, r.Registry, scb, opts...)
	return s, nil
}

func (r *Runner) openTranscript(id string) (*diag.Transcript, error) {
	if err := os.MkdirAll(r.TranscriptDir, 0o755); err != nil {
		return nil, err
	}
	return diag.CreateTranscript(diag.TranscriptPath(r.TranscriptDir, id))
}

// launch starts the engine and the exit watcher. streamed, when non-nil, is closed by
// the stream worker; Done then waits for it so every frame is delivered first.
func (s *Session) launch(ctx context.Context, o op, streamed <-chan struct{}) (io.Reader, context.Context, error) {
	ctx, cancel := context.WithCancel(ctx)
	out, err := s.sup.Start(ctx)
	if err != nil {
		cancel()
		s.sup.Dispose()
		return nil, nil, err
	}
	s.cancel = cancel
	log.Printf("capture[%s]: started kind=%s pid=%d output=%q", s.id, s.kind, s.sup.PID(), safeurl.Redact(s.output))
	s.workers.Go(func() { s.watchExit(ctx, o.completeOnExit, streamed) })
	return out, ctx, nil
}

func (s *Session) watchExit(ctx context.Context, completeOnExit bool, streamed <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-s.sup.Exited():
	}
	if streamed != nil {
		select {
		case <-ctx.Done():
			return
		case <-streamed:
		}
	}
	if completeOnExit && s.sup.ExitCode() == 0 && !s.sup.Failed() {
		return // OnStreamEnd finishes
	}
	log.Printf("capture[%s]: engine exited code=%d", s.id, s.sup.ExitCode())
	s.finish()
}

// drain discards engine stdout for operations that write files.
func (s *Session) drain(out io.Reader) {
	s.workers.Go(func() { _, _ = io.Copy(io.Discard, out) })
}

func (s *Session) streamFrames(ctx context.Context, r io.ByteReader, f frame.Format, streamed chan<- struct{}) {
	defer close(streamed)
	for fr := range frame.Frames(r, f, s.sup.ReportLiveness) {
		if ctx.Err() != nil || s.disposing.Load() {
			return
		}
		s.frames.Add(1)
		s.m.Frame(f.Name, len(fr))
		if s.cb.OnFrame != nil {
			s.callback(func() { s.cb.OnFrame(fr) })
		}
	}
}

func failurePrefix(override, source string) string {
	if override != "" {
		return override
	}
	return engine.FailurePrefix(source)
}

// CaptureOptions configures a frame capture.
type CaptureOptions struct {
	Input  engine.Input
	Format frame.Format // JPEG when zero
	Frame  engine.FrameOptions
	// Args replaces the generated engine arguments.
	Args          []string
	FailurePrefix string
}

// Capture streams still frames from the source to cb.OnFrame until disposed.
func (r *Runner) Capture(ctx context.Context, o CaptureOptions, cb Callbacks) (*Session, error) {
	f := o.Format
	if f.Name == "" {
		f = frame.JPEG
	}
	args := o.Args
	if args == nil {
		args = engine.FramesArgs(o.Input, f, o.Frame)
	}
	plan := op{
		kind:          registry.KindCapture,
		args:          args,
		failurePrefix: failurePrefix(o.FailurePrefix, o.Input.Source),
		resetOn:       supervisor.ResetOnHeader,
	}
	s, err := r.prepare(plan, cb)
	if err != nil {
		return nil, err
	}
	streamed := make(chan struct{})
	out, ctx, err := s.launch(ctx, plan, streamed)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(out, 64*1024)
	s.workers.Go(func() { s.streamFrames(ctx, br, f, streamed) })
	return s, nil
}

// RecordOptions configures continuous segmented recording.
type RecordOptions struct {
	Input          engine.Input
	StagingDir     string
	OutputDir      string
	Segment        engine.SegmentOptions
	RotateInterval time.Duration
	Layout         string
	Watch          bool
	Args           []string
	FailurePrefix  string
}

// Record writes fixed-duration segments into StagingDir and keeps promoting the
// completed ones into OutputDir until disposed.
func (r *Runner) Record(ctx context.Context, o RecordOptions, cb Callbacks) (*Session, error) {
	args := o.Args
	if args == nil {
		args = engine.SegmentArgs(o.Input, o.StagingDir, o.Segment)
	}
	plan := op{
		kind:          registry.KindCapture,
		args:          args,
		failurePrefix: failurePrefix(o.FailurePrefix, o.Input.Source),
		resetOn:       supervisor.ResetOnDiagnostic,
		output:        o.OutputDir,
	}
	s, err := r.prepare(plan, cb)
	if err != nil {
		return nil, err
	}
	rot, err := rotator.New(rotator.Config{
		StagingDir: o.StagingDir,
		OutputDir:  o.OutputDir,
		Interval:   o.RotateInterval,
		Watch:      o.Watch,
		Layout:     o.Layout,
		OnPromote:  s.promoted(r.Segments),
	}, rotator.WithMetrics(r.Metrics))
	if err != nil {
		s.sup.Dispose()
		return nil, err
	}
	s.rot = rot
	out, ctx, err := s.launch(ctx, plan, nil)
	if err != nil {
		return nil, err
	}
	s.drain(out)
	s.workers.Go(func() {
		if err := rot.Run(ctx); err != nil {
			log.Printf("capture[%s]: rotator err=%v", s.id, err)
		}
	})
	return s, nil
}

func (s *Session) promoted(sink SegmentSink) func(rotator.Segment) {
	return func(seg rotator.Segment) {
		if sink != nil {
			if err := sink.RecordSegment(s.id, seg); err != nil {
				log.Printf("capture[%s]: ledger segment=%q err=%v", s.id, seg.OutputPath, err)
			}
		}
		if s.cb.OnSegment != nil {
			s.callback(func() { s.cb.OnSegment(seg) })
		}
	}
}

// TimedOptions configures a fixed-length recording into one file.
type TimedOptions struct {
	Input         engine.Input
	Output        string
	Duration      time.Duration
	Args          []string
	FailurePrefix string
}

// TimedRecord records Duration of the source into Output.
func (r *Runner) TimedRecord(ctx context.Context, o TimedOptions, cb Callbacks) (*Session, error) {
	if o.Args == nil && o.Duration <= 0 {
		return nil, fmt.Errorf("capture: timed record needs a positive duration")
	}
	args := o.Args
	if args == nil {
		args = engine.TimedArgs(o.Input, o.Output, o.Duration)
	}
	return r.fileOp(ctx, op{
		kind:          registry.KindCapture,
		args:          args,
		failurePrefix: failurePrefix(o.FailurePrefix, o.Input.Source),
	}, o.Output, cb)
}

// ConvertOptions configures a file conversion.
type ConvertOptions struct {
	Input         string
	Output        string
	Codecs        engine.ConvertOptions
	Args          []string
	FailurePrefix string
}

// Convert transcodes or remuxes Input into Output.
func (r *Runner) Convert(ctx context.Context, o ConvertOptions, cb Callbacks) (*Session, error) {
	args := o.Args
	if args == nil {
		args = engine.ConvertArgs(o.Input, o.Output, o.Codecs)
	}
	return r.fileOp(ctx, op{
		kind:          registry.KindConvert,
		args:          args,
		failurePrefix: failurePrefix(o.FailurePrefix, o.Input),
	}, o.Output, cb)
}

// MergeOptions configures concatenation of several files.
type MergeOptions struct {
	Inputs        []string
	Output        string
	Args          []string
	FailurePrefix string
}

// Merge concatenates Inputs, in order, into Output. The concat list is written next
// to Output and removed on Dispose.
func (r *Runner) Merge(ctx context.Context, o MergeOptions, cb Callbacks) (*Session, error) {
	if err := ensureParent(o.Output); err != nil {
		return nil, err
	}
	list := o.Output + ".concat"
	if err := engine.WriteConcatList(list, o.Inputs); err != nil {
		return nil, err
	}
	args := o.Args
	if args == nil {
		args = engine.MergeArgs(list, o.Output)
	}
	s, err := r.fileOp(ctx, op{
		kind:          registry.KindMerge,
		args:          args,
		failurePrefix: failurePrefix(o.FailurePrefix, list),
	}, o.Output, cb)
	if err != nil {
		_ = os.Remove(list)
		return nil, err
	}
	s.cleanup = append(s.cleanup, list)
	return s, nil
}

// fileOp runs an engine that writes one output file and completes on exit code 0.
func (r *Runner) fileOp(ctx context.Context, plan op, output string, cb Callbacks) (*Session, error) {
	if strings.TrimSpace(output) == "" {
		return nil, fmt.Errorf("capture: output path required")
	}
	if err := ensureParent(output); err != nil {
		return nil, err
	}
	plan.resetOn = supervisor.ResetOnDiagnostic
	plan.completeOnExit = true
	plan.output = output
	s, err := r.prepare(plan, cb)
	if err != nil {
		return nil, err
	}
	out, _, err := s.launch(ctx, plan, nil)
	if err != nil {
		return nil, err
	}
	s.drain(out)
	return s, nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	return nil
}
