package supervisor

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// mergedEnv builds the engine's environment: the parent environment minus our own
// settings, with overrides applied on top.
func mergedEnv(base []string, overrides map[string]string) []string {
	out := filterChildBaseEnv(base)
	if len(overrides) == 0 {
		return out
	}
	idx := make(map[string]int, len(out))
	for i, kv := range out {
		k, _, ok := strings.Cut(kv, "=")
		if ok {
			idx[k] = i
		}
	}
	for k, v := range overrides {
		kv := k + "=" + v
		if i, ok := idx[k]; ok {
			out[i] = kv
		} else {
			out = append(out, kv)
		}
	}
	return out
}

func filterChildBaseEnv(base []string) []string {
	if len(base) == 0 {
		return nil
	}
	out := make([]string, 0, len(base))
	for _, kv := range base {
		k, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if shouldDropChildInheritedEnv(k) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// The engine has no use for framegrabber's own settings, and some of them carry source credentials.
func shouldDropChildInheritedEnv(key string) bool {
	return strings.HasPrefix(key, "FRAMEGRABBER_")
}

const maxLine = 1024 * 1024

// newLineScanner splits engine diagnostics on '\n' or '\r'; ffmpeg rewrites its
// progress line in place with bare carriage returns.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	sc.Split(scanCRLF)
	return sc
}

func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
