package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapetech/framegrabber/internal/config"
	"github.com/snapetech/framegrabber/internal/diag"
	"github.com/snapetech/framegrabber/internal/ledger"
	"github.com/snapetech/framegrabber/internal/rotator"
)

func isolate(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
}

// execRoot runs the CLI with a ledger in dir. Call isolate first.
func execRoot(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	full := append([]string{
		"--env-file", filepath.Join(dir, "missing.env"),
		"--ledger", filepath.Join(dir, "ledger.db"),
	}, args...)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(full)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func shPath(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("process tests need /proc")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestConvert_shellEngineWritesOutput(t *testing.T) {
	sh := shPath(t)
	dir := t.TempDir()
	isolate(t, dir)
	out := filepath.Join(dir, "out", "clip.mkv")
	_, err := execRoot(t, dir, "--ffmpeg", sh, "convert", "in.mp4", out,
		"--", "-c", `printf converted > "`+out+`"`)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil || string(b) != "converted" {
		t.Fatalf("output=%q err=%v", b, err)
	}
}

func TestConvert_nonzeroExitIsError(t *testing.T) {
	sh := shPath(t)
	dir := t.TempDir()
	isolate(t, dir)
	_, err := execRoot(t, dir, "--ffmpeg", sh, "convert", "in.mp4", filepath.Join(dir, "o.mkv"), "--", "-c", "exit 3")
	if err == nil || !strings.Contains(err.Error(), "code 3") {
		t.Fatalf("err=%v", err)
	}
}

func TestCapture_countStops(t *testing.T) {
	sh := shPath(t)
	dir := t.TempDir()
	isolate(t, dir)
	frames := filepath.Join(dir, "frames")
	script := `while :; do printf '\377\330x\377\331'; sleep 0.05; done`
	done := make(chan error, 1)
	go func() {
		_, err := execRoot(t, dir, "--ffmpeg", sh, "capture", "rtsp://cam/s", "--count", "2", "--out-dir", frames, "--", "-c", script)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("capture did not stop after --count frames")
	}
	for _, name := range []string{"frame_000001.jpeg", "frame_000002.jpeg"} {
		if _, err := os.Stat(filepath.Join(frames, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestSegments_listsLedger(t *testing.T) {
	dir := t.TempDir()
	isolate(t, dir)
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	seg := rotator.Segment{StagingPath: "/s/seg_000001.mp4", OutputPath: "/o/2026-01-02_03-04-05.mp4", Created: time.Now(), Size: 42}
	if err := l.RecordSegment("op-1", seg); err != nil {
		t.Fatal(err)
	}
	l.Close()

	out, err := execRoot(t, dir, "segments", "--op", "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, seg.OutputPath) || !strings.Contains(out, "42") {
		t.Fatalf("output:\n%s", out)
	}
}

func TestReap_forgetsStaleRecords(t *testing.T) {
	dir := t.TempDir()
	isolate(t, dir)
	path := filepath.Join(dir, "ledger.db")
	l, err := ledger.Open(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	// PID far above any pid_max default; never resolves to the engine.
	if err := l.RecordProcess("capture", 1<<30); err != nil {
		t.Fatal(err)
	}
	l.Close()

	out, err := execRoot(t, dir, "reap")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1 record(s), reaped 0") {
		t.Fatalf("output=%q", out)
	}
	l, err = ledger.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	recs, err := l.Processes(context.Background())
	if err != nil || len(recs) != 0 {
		t.Fatalf("records=%v err=%v", recs, err)
	}
}

func TestKillall_rejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	isolate(t, dir)
	if _, err := execRoot(t, dir, "killall", "stream"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSplitDash(t *testing.T) {
	var pos, eng []string
	cmd := &cobra.Command{
		Use: "x",
		Run: func(cmd *cobra.Command, args []string) { pos, eng = splitDash(cmd, args) },
	}
	cmd.SetArgs([]string{"a", "b", "--", "-i", "c"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.Join(pos, ",") != "a,b" || strings.Join(eng, ",") != "-i,c" {
		t.Fatalf("pos=%v eng=%v", pos, eng)
	}
}

func TestBind_errorFailsExecute(t *testing.T) {
	a := &app{v: config.New()}
	a.bind(nil, "ffmpeg_path")
	if a.bindErr == nil {
		t.Fatal("nil flag bound without error")
	}
	root := a.rootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"reap"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "ffmpeg_path") {
		t.Fatalf("err=%v", err)
	}
}

func TestTranscript_printsOperationLog(t *testing.T) {
	dir := t.TempDir()
	isolate(t, dir)
	tdir := filepath.Join(dir, "transcripts")
	tr, err := diag.CreateTranscript(diag.TranscriptPath(tdir, "op-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.WriteLine("Input #0, rtsp, from 'rtsp://cam/s'"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := execRoot(t, dir, "--transcripts", tdir, "transcript", "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Input #0, rtsp") {
		t.Fatalf("output=%q", out)
	}
	if _, err := execRoot(t, dir, "--transcripts", tdir, "transcript", "op-2"); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}
