package slogutil

import (
	"io"
	"log/slog"

	"aevo/internal/config"
	"aevo/internal/paths"
)

// Factory builds loggers from configuration.
// Level precedence: CLI override > config > info.
type Factory struct {
	root     string
	config   *config.Config
	cliLevel *slog.Level
	closers  []io.Closer
}

// NewFactory creates a logger factory for the workspace at root.
func NewFactory(root string, cfg *config.Config) *Factory {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Factory{root: root, config: cfg}
}

// WithLevel sets a CLI level override.
func (f *Factory) WithLevel(level slog.Level) *Factory {
	f.cliLevel = &level
	return f
}

// Level returns the effective level.
func (f *Factory) Level() slog.Level {
	if f.cliLevel != nil {
		return *f.cliLevel
	}
	if f.config.Logging.Level != "" {
		return LevelFromString(f.config.Logging.Level)
	}
	return slog.LevelInfo
}

// Logger returns a logger writing to console in the configured format.
// When logging.file is enabled it also appends to .aevo/logs/aevo.log,
// rotated by logging.maxSize. A log file that cannot be opened is skipped.
func (f *Factory) Logger(console io.Writer) *slog.Logger {
	level := f.Level()
	consoleHandler := handlerFor(console, level, f.config.Logging.Format)

	if !f.config.Logging.File || f.root == "" {
		return slog.New(consoleHandler)
	}

	rf, err := OpenRotatingFile(paths.LogPath(f.root), ParseSize(f.config.Logging.MaxSize), f.config.Logging.MaxBackups)
	if err != nil {
		logger := slog.New(consoleHandler)
		logger.Warn("Log file unavailable", "path", paths.LogPath(f.root), "error", err)
		return logger
	}
	f.closers = append(f.closers, rf)

	// The file always records at least info so runs can be audited.
	fileLevel := level
	if fileLevel > slog.LevelInfo {
		fileLevel = slog.LevelInfo
	}
	fileHandler := NewHandler(rf, &slog.HandlerOptions{Level: fileLevel})
	return slog.New(NewTeeHandler(consoleHandler, fileHandler))
}

// Close closes all open log files.
func (f *Factory) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}
