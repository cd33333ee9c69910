package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/registrar/internal/failure"
)

const logFileMode = 0o600

// FileLog appends records to the accounts log and bare keys to the keys log.
// Files are created on first write with mode 0600.
type FileLog struct {
	accountsPath string
	keysPath     string
	log          *zap.Logger

	mu sync.Mutex
}

// NewFileLog resolves both paths. keysPath may be empty to skip the keys log.
func NewFileLog(accountsPath, keysPath string, logger *zap.Logger) (*FileLog, error) {
	accounts, err := homedir.Expand(accountsPath)
	if err != nil {
		return nil, fmt.Errorf("expand accounts path: %w", err)
	}
	var keys string
	if keysPath != "" {
		if keys, err = homedir.Expand(keysPath); err != nil {
			return nil, fmt.Errorf("expand keys path: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLog{accountsPath: accounts, keysPath: keys, log: logger.Named("filelog")}, nil
}

// AccountsPath is the expanded path of the accounts log.
func (f *FileLog) AccountsPath() string { return f.accountsPath }

// KeysPath is the expanded path of the keys log, or "" when disabled.
func (f *FileLog) KeysPath() string { return f.keysPath }

// Save appends rec to the accounts log and, when rec carries a key, the key
// to the keys log. Writes are serialised so lines never interleave.
func (f *FileLog) Save(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return failure.New(failure.Persistence, "filelog.save", err)
	}
	if err := ctx.Err(); err != nil {
		return failure.New(failure.Persistence, "filelog.save", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := appendLine(f.accountsPath, rec.String()); err != nil {
		return failure.New(failure.Persistence, "filelog.save", err)
	}
	if rec.APIKey != "" && f.keysPath != "" {
		if err := appendLine(f.keysPath, rec.APIKey); err != nil {
			return failure.New(failure.Persistence, "filelog.save", err)
		}
	}
	f.log.Debug("Record appended.", zap.String("path", f.accountsPath), zap.Bool("has_key", rec.APIKey != ""))
	return nil
}

func appendLine(path, line string) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFileMode)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := fh.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	if _, err := fh.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
