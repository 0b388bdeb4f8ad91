package registry

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/procfs"
)

// ProcResolver reads process names from /proc (comm).
type ProcResolver struct {
	// Root is the procfs mount point; empty means procfs.DefaultMountPoint.
	Root string
}

// ProcessName returns the comm of pid, or ErrNoProcess when pid is gone.
func (r ProcResolver) ProcessName(pid int) (string, error) {
	root := r.Root
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return "", fmt.Errorf("open procfs %s: %w", root, err)
	}
	p, err := fs.Proc(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoProcess
		}
		return "", err
	}
	name, err := p.Comm()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoProcess
		}
		return "", err
	}
	return name, nil
}

// StaticResolver is a fixed PID->name table, for tests and dry runs.
type StaticResolver map[int]string

func (s StaticResolver) ProcessName(pid int) (string, error) {
	if name, ok := s[pid]; ok {
		return name, nil
	}
	return "", ErrNoProcess
}
