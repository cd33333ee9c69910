// File: internal/browser/artifacts.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var unsafeStepChars = regexp.MustCompile(`[^a-z0-9_]+`)

// Recorder writes numbered screenshots into a per-run directory
// <base>/run_<timestamp>/NN_<step>.png. A disabled Recorder does nothing.
type Recorder struct {
	enabled bool
	dir     string
	logger  *zap.Logger

	mu  sync.Mutex
	seq int
}

// NewRecorder prepares a recorder for one run. The directory is created on
// the first capture.
func NewRecorder(baseDir string, enabled bool, started time.Time, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		enabled: enabled && baseDir != "",
		dir:     filepath.Join(baseDir, "run_"+started.Format("20060102_150405")),
		logger:  logger.Named("artifacts"),
	}
}

// Dir returns the run directory.
func (r *Recorder) Dir() string { return r.dir }

// Capture screenshots sess under the next sequence number. Failures are
// logged and otherwise ignored.
func (r *Recorder) Capture(ctx context.Context, sess Session, step string) string {
	if r == nil || !r.enabled || sess == nil {
		return ""
	}
	png, err := sess.Screenshot(ctx)
	if err != nil {
		r.logger.Debug("Screenshot failed.", zap.String("step", step), zap.Error(err))
		return ""
	}

	r.mu.Lock()
	r.seq++
	name := fmt.Sprintf("%02d_%s.png", r.seq, sanitizeStep(step))
	r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.logger.Warn("Could not create screenshot directory.", zap.String("dir", r.dir), zap.Error(err))
		return ""
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		r.logger.Warn("Could not write screenshot.", zap.String("path", path), zap.Error(err))
		return ""
	}
	r.logger.Debug("Screenshot saved.", zap.String("path", path))
	return path
}

func sanitizeStep(step string) string {
	s := unsafeStepChars.ReplaceAllString(strings.ToLower(step), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "step"
	}
	return s
}
