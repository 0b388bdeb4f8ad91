// Package jobs runs several operations from one JSON job file, e.g. one recorder per
// camera. Jobs are never restarted: a stream failure ends that job, and with failFast
// it ends the whole run.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/snapetech/framegrabber/internal/engine"
	"github.com/snapetech/framegrabber/internal/frame"
	"github.com/snapetech/framegrabber/internal/registry"
)

// Job kinds. capture, record and timed read a live source; convert and merge read files.
const (
	KindCapture = "capture"
	KindRecord  = "record"
	KindTimed   = "timed"
	KindConvert = "convert"
	KindMerge   = "merge"
)

type File struct {
	Jobs     []Job `json:"jobs"`
	FailFast bool  `json:"failFast"`
	// EnvFiles are "KEY=VALUE" / "export KEY=VALUE" files loaded into the process
	// environment before any job starts, so engines inherit them. Missing files are skipped.
	EnvFiles []string `json:"envFiles"`
}

type Job struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	Disabled   bool           `json:"disabled"`
	StartDelay DurationString `json:"startDelay"`

	Source        string   `json:"source"`
	Inputs        []string `json:"inputs"`
	Output        string   `json:"output"`
	RTSPTransport string   `json:"rtspTransport"`

	// capture
	Format  string  `json:"format"`
	FPS     float64 `json:"fps"`
	Width   int     `json:"width"`
	Quality int     `json:"quality"`

	// record
	StagingDir string         `json:"stagingDir"`
	Segment    DurationString `json:"segment"`
	Ext        string         `json:"ext"`

	// timed
	Duration DurationString `json:"duration"`

	// convert
	VideoCodec string `json:"videoCodec"`
	AudioCodec string `json:"audioCodec"`

	// Args replaces the generated engine arguments.
	Args []string `json:"args"`
}

// OpKind maps the job kind to the registry kind its engine is tracked under.
func (j Job) OpKind() registry.Kind {
	switch j.Kind {
	case KindConvert:
		return registry.KindConvert
	case KindMerge:
		return registry.KindMerge
	}
	return registry.KindCapture
}

func (j Job) input() engine.Input {
	return engine.Input{Source: j.Source, RTSPTransport: j.RTSPTransport}
}

func (j Job) format() frame.Format {
	if f, ok := frame.FormatByName(j.Format); ok {
		return f
	}
	return frame.JPEG
}

type DurationString time.Duration

func (d *DurationString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			*d = 0
			return nil
		}
		dd, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = DurationString(dd)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		if secs < 0 {
			return fmt.Errorf("duration seconds must be >= 0")
		}
		*d = DurationString(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration")
}

func (d DurationString) Duration(def time.Duration) time.Duration {
	if time.Duration(d) <= 0 {
		return def
	}
	return time.Duration(d)
}

// Load reads and validates a job file. Unknown fields are rejected.
func Load(path string) (File, error) {
	var f File
	if strings.TrimSpace(path) == "" {
		return f, fmt.Errorf("missing job file path")
	}
	fh, err := os.Open(path)
	if err != nil {
		return f, err
	}
	defer fh.Close()
	dec := json.NewDecoder(fh)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return f, err
	}
	return f, f.Validate()
}

// Validate normalizes names and checks each job has what its kind needs.
func (f *File) Validate() error {
	if len(f.Jobs) == 0 {
		return fmt.Errorf("no jobs configured")
	}
	seen := map[string]struct{}{}
	for i := range f.Jobs {
		j := &f.Jobs[i]
		j.Name = strings.TrimSpace(j.Name)
		j.Kind = strings.ToLower(strings.TrimSpace(j.Kind))
		if j.Name == "" {
			return fmt.Errorf("jobs[%d].name required", i)
		}
		if _, ok := seen[j.Name]; ok {
			return fmt.Errorf("duplicate job name %q", j.Name)
		}
		seen[j.Name] = struct{}{}
		if err := j.validate(); err != nil {
			return fmt.Errorf("jobs[%d] %q: %w", i, j.Name, err)
		}
	}
	return nil
}

func (j Job) validate() error {
	need := func(field, v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s required for kind %s", field, j.Kind)
		}
		return nil
	}
	switch j.Kind {
	case KindCapture:
		if j.Format != "" {
			if _, ok := frame.FormatByName(j.Format); !ok {
				return fmt.Errorf("unknown format %q", j.Format)
			}
		}
		return need("source", j.Source)
	case KindRecord:
		return errors.Join(need("source", j.Source), need("stagingDir", j.StagingDir), need("output", j.Output))
	case KindTimed:
		if j.Args == nil && j.Duration.Duration(0) <= 0 {
			return fmt.Errorf("duration required for kind timed")
		}
		return errors.Join(need("source", j.Source), need("output", j.Output))
	case KindConvert:
		return errors.Join(need("source", j.Source), need("output", j.Output))
	case KindMerge:
		if len(j.Inputs) == 0 {
			return fmt.Errorf("inputs required for kind merge")
		}
		return need("output", j.Output)
	case "":
		return fmt.Errorf("kind required")
	}
	return fmt.Errorf("unknown kind %q", j.Kind)
}
