package handler

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// NewPreviewLog opens the append-only diagnostics log for failed inline
// previews. Entries are JSON lines written by a production zap config. An
// empty path disables the log.
func NewPreviewLog(path string) (*zap.Logger, error) {
	if path == "" {
		return zap.NewNop(), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create preview log dir: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{"stderr"}
	// Stack traces are attached explicitly on preview failures.
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build preview log: %w", err)
	}
	return logger.Named("preview"), nil
}
