package diag

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLimiter_suppressesBurst(t *testing.T) {
	l := NewLimiter("test:", time.Hour, 2)
	logged := 0
	for i := 0; i < 10; i++ {
		if l.Log("frame= 1 fps=25") {
			logged++
		}
	}
	if logged != 2 {
		t.Fatalf("logged=%d want 2", logged)
	}
	if l.Suppressed() != 8 {
		t.Fatalf("suppressed=%d want 8", l.Suppressed())
	}
}

func TestLimiter_nilSafe(t *testing.T) {
	var l *Limiter
	if l.Log("x") {
		t.Fatal("nil limiter should not log")
	}
}

func TestTranscript_roundTrip(t *testing.T) {
	path := TranscriptPath(t.TempDir(), "op/1:a")
	if filepath.Base(path) != "op_1_a.log.br" {
		t.Fatalf("path=%s", path)
	}
	tr, err := CreateTranscript(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range []string{"Input #0, rtsp", "Stream mapping:", "frame=  10 fps=5.0"} {
		if err := tr.WriteLine(l); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := tr.WriteLine("after close"); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	got, err := ReadTranscript(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 3 || tr.Lines() != 3 {
		t.Fatalf("lines=%d counted=%d: %q", len(lines), tr.Lines(), got)
	}
	if !strings.HasSuffix(lines[1], " Stream mapping:") {
		t.Fatalf("line[1]=%q", lines[1])
	}
	if strings.Contains(got, "after close") {
		t.Fatal("line written after close leaked into transcript")
	}
}
