// Package capture stores raw inbound webhook bodies on disk so they can be
// replayed as test fixtures.
package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Recorder writes captures below dir/<session>/<namespace>/. A nil or
// disabled Recorder ignores every write.
type Recorder struct {
	dir     string
	session string
	seq     atomic.Uint64
	enabled bool
}

// New creates a recorder rooted at dir.
func New(dir string, enabled bool) *Recorder {
	return &Recorder{
		dir:     dir,
		session: time.Now().Format("20060102-150405"),
		enabled: enabled && dir != "",
	}
}

// Enabled reports whether captures are written.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// WriteBlob stores data as <category>-<seq>.<ext> under namespace and
// returns the written path. Failures are logged and reported as "".
func (r *Recorder) WriteBlob(namespace, category, ext string, data []byte) string {
	if !r.Enabled() {
		return ""
	}

	dir := filepath.Join(r.dir, r.session, sanitize(namespace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("capture: failed to create directory")
		return ""
	}

	seq := r.seq.Add(1)
	path := filepath.Join(dir, fmt.Sprintf("%s-%04d.%s", sanitize(category), seq, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("capture: failed to write file")
		return ""
	}

	log.Debug().Str("path", path).Msg("capture: wrote file")
	return path
}

// sanitize keeps event names such as "pullrequest:created" usable as file names.
func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}
