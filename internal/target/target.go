// Package target describes the file a recovery session works on.
package target

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// UnknownSize marks a target whose size could not be read.
const UnknownSize int64 = -1

// Target is the path-like identifier of a protected file plus whatever
// metadata could be read from disk. Classifiers must tolerate missing
// metadata: Size is UnknownSize and ModTime is zero when stat fails.
type Target struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// Stat builds a Target for path, reading size and modification time when
// the file exists. It never fails.
func Stat(path string) Target {
	t := Target{Path: path, Size: UnknownSize}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return t
	}
	t.Size = info.Size()
	t.ModTime = info.ModTime()
	return t
}

// New builds a Target from known metadata. Pass UnknownSize and a zero time
// for anything missing.
func New(path string, size int64, modTime time.Time) Target {
	return Target{Path: path, Size: size, ModTime: modTime}
}

// Name returns the base file name.
func (t Target) Name() string {
	return filepath.Base(t.Path)
}

// Ext returns the lower-cased extension without the leading dot.
func (t Target) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(t.Path)), ".")
}

// Dir returns the directory portion of the path.
func (t Target) Dir() string {
	return filepath.Dir(t.Path)
}

// SizeKnown reports whether Size was read from disk.
func (t Target) SizeKnown() bool {
	return t.Size >= 0
}

// Age returns how long ago the file was modified, and false when the
// modification time is unknown.
func (t Target) Age(now time.Time) (time.Duration, bool) {
	if t.ModTime.IsZero() {
		return 0, false
	}
	return now.Sub(t.ModTime), true
}

// PathDepth returns the number of non-empty path components.
func (t Target) PathDepth() int {
	n := 0
	for _, part := range strings.Split(filepath.ToSlash(t.Path), "/") {
		if part != "" && part != "." {
			n++
		}
	}
	return n
}
