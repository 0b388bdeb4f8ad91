// Package engine locates the ffmpeg binary and builds its argument vectors for each
// operation kind. Codec and container choices here are plumbing; callers may append
// their own arguments.
package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/framegrabber/internal/frame"
	"github.com/snapetech/framegrabber/internal/safeurl"
)

// DefaultName is the engine binary and the process name the registry expects.
const DefaultName = "ffmpeg"

// PathEnv overrides the engine binary location.
const PathEnv = "FRAMEGRABBER_FFMPEG_PATH"

// ResolvePath returns the engine binary: override if set, then $FRAMEGRABBER_FFMPEG_PATH,
// then ffmpeg on $PATH.
func ResolvePath(override string) (string, error) {
	if v := strings.TrimSpace(override); v != "" {
		return exec.LookPath(v)
	}
	if v := strings.TrimSpace(os.Getenv(PathEnv)); v != "" {
		return exec.LookPath(v)
	}
	return exec.LookPath(DefaultName)
}

// ProcessName is the name the running engine reports (basename without extension).
func ProcessName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FailurePrefix is the stderr prefix ffmpeg uses when it cannot open source:
// "<source>: Server returned 401 Unauthorized".
func FailurePrefix(source string) string {
	return source + ": "
}

// Input describes the source side shared by every operation.
type Input struct {
	Source string
	// RTSPTransport is passed as -rtsp_transport for rtsp sources ("tcp" when empty).
	RTSPTransport string
	// Timeout bounds socket I/O for network sources; 0 leaves ffmpeg's default.
	Timeout time.Duration
}

func (in Input) args() []string {
	var out []string
	lower := strings.ToLower(in.Source)
	if strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://") {
		t := in.RTSPTransport
		if t == "" {
			t = "tcp"
		}
		out = append(out, "-rtsp_transport", t)
	}
	if in.Timeout > 0 && safeurl.IsNetworkSource(in.Source) {
		out = append(out, "-timeout", strconv.FormatInt(in.Timeout.Microseconds(), 10))
	}
	return append(out, "-i", in.Source)
}

func global(loglevel string) []string {
	return []string{"-hide_banner", "-loglevel", loglevel}
}

// FrameOptions tunes still-image output.
type FrameOptions struct {
	FPS     float64 // 0 keeps the source rate
	Width   int     // 0 keeps the source width
	Quality int     // JPEG qscale 2..31; 0 uses 5
}

// FramesArgs streams still images of format f to stdout.
func FramesArgs(in Input, f frame.Format, o FrameOptions) []string {
	args := append(global("error"), in.args()...)
	var filters []string
	if o.FPS > 0 {
		filters = append(filters, "fps="+strconv.FormatFloat(o.FPS, 'f', -1, 64))
	}
	if o.Width > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:-2", o.Width))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	args = append(args, "-an", "-f", "image2pipe")
	if f.Name == frame.PNG.Name {
		args = append(args, "-vcodec", "png")
	} else {
		q := o.Quality
		if q <= 0 {
			q = 5
		}
		args = append(args, "-vcodec", "mjpeg", "-q:v", strconv.Itoa(q))
	}
	return append(args, "pipe:1")
}

// SegmentOptions tunes continuous recording.
type SegmentOptions struct {
	Duration time.Duration // per segment; 0 uses 60s
	Ext      string        // container extension; "" uses mp4
}

// SegmentArgs records continuously into fixed-duration files under stagingDir.
// Progress lines go to stderr so they can serve as liveness.
func SegmentArgs(in Input, stagingDir string, o SegmentOptions) []string {
	d := o.Duration
	if d <= 0 {
		d = time.Minute
	}
	ext := strings.TrimPrefix(o.Ext, ".")
	if ext == "" {
		ext = "mp4"
	}
	args := append(global("error"), "-stats")
	args = append(args, in.args()...)
	return append(args,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", seconds(d),
		"-reset_timestamps", "1",
		filepath.Join(stagingDir, "seg_%06d."+ext),
	)
}

// TimedArgs records d of the source into out.
func TimedArgs(in Input, out string, d time.Duration) []string {
	args := append(global("error"), "-stats", "-y")
	args = append(args, in.args()...)
	return append(args, "-t", seconds(d), "-c", "copy", out)
}

// ConvertOptions selects output codecs; empty means stream copy.
type ConvertOptions struct {
	VideoCodec string
	AudioCodec string
	Extra      []string
}

// ConvertArgs transcodes or remuxes input into out.
func ConvertArgs(input, out string, o ConvertOptions) []string {
	args := append(global("error"), "-stats", "-y", "-i", input)
	if o.VideoCodec == "" && o.AudioCodec == "" {
		args = append(args, "-c", "copy")
	} else {
		if o.VideoCodec != "" {
			args = append(args, "-c:v", o.VideoCodec)
		}
		if o.AudioCodec != "" {
			args = append(args, "-c:a", o.AudioCodec)
		}
	}
	args = append(args, o.Extra...)
	return append(args, out)
}

// MergeArgs concatenates the files named in a concat list (see WriteConcatList) into out.
func MergeArgs(listPath, out string) []string {
	args := append(global("error"), "-stats", "-y")
	return append(args, "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", out)
}

// WriteConcatList writes a concat demuxer list for files to path.
func WriteConcatList(path string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("concat list: no input files")
	}
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
