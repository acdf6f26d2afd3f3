// Package build carries the daemon's build metadata and its logging
// plumbing: a LogManager that owns the log destinations (console, and
// optionally a rotating log file) and hands out per-subsystem loggers
// that fan records out to all of them.
package build

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"
)

// LogFilename is the name of the daemon's log file inside the configured
// log directory.
const LogFilename = "meshd.log"

// LogConfig describes the logging destinations. Defaults live with the
// rest of the daemon configuration in internal/config.
type LogConfig struct {
	// Level is the btclog level name (trace, debug, info, warn, error).
	// Unknown names fall back to info.
	Level string

	// Dir is the log file directory; empty disables file logging.
	Dir string

	// MaxFiles is the number of rotated log files to keep.
	MaxFiles int

	// MaxFileSizeMB is the log file size in megabytes before rotation.
	MaxFileSizeMB int
}

// LogManager owns the daemon's log destinations. Each mesh subsystem asks
// it for a tagged logger via Subsystem; records written through any of
// those loggers reach every destination.
type LogManager struct {
	// set holds one handler per destination.
	set []btclogv2.Handler

	// level is the level applied to every destination.
	level btclog.Level

	// pipe feeds the file rotator goroutine; nil when file logging is
	// disabled.
	pipe *io.PipeWriter
}

// NewLogManager opens the configured destinations. The console handler is
// always present; a rotating, gzip-compressed log file is added when a
// directory is configured.
func NewLogManager(cfg LogConfig) (*LogManager, error) {
	level, ok := btclog.LevelFromString(cfg.Level)
	if !ok {
		level = btclog.LevelInfo
	}

	lm := &LogManager{
		set:   []btclogv2.Handler{btclogv2.NewDefaultHandler(os.Stderr)},
		level: level,
	}

	if cfg.Dir != "" {
		fileWriter, err := lm.openRotatingFile(cfg)
		if err != nil {
			return nil, err
		}
		lm.set = append(lm.set, btclogv2.NewDefaultHandler(fileWriter))
	}

	for _, handler := range lm.set {
		handler.SetLevel(level)
	}

	return lm, nil
}

// openRotatingFile starts a jrick/logrotate rotator goroutine for the
// daemon log file, fed through a pipe, and returns the write end. The pipe
// is unbuffered, so a write returns only once the rotator has read it.
func (lm *LogManager) openRotatingFile(cfg LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// The rotator takes its threshold in KB while the config speaks MB.
	logFile := filepath.Join(cfg.Dir, LogFilename)
	fileRotator, err := rotator.New(
		logFile, int64(cfg.MaxFileSizeMB*1024), false, cfg.MaxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("create file rotator: %w", err)
	}
	fileRotator.SetCompressor(gzip.NewWriter(nil), ".gz")

	pr, pw := io.Pipe()
	go func() {
		// Errors go to stderr, since the rotator itself is the log
		// destination.
		if err := fileRotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(
				os.Stderr, "log rotator stopped: %v\n", err,
			)
		}
	}()
	lm.pipe = pw

	return pw, nil
}

// Subsystem returns the logger a mesh subsystem logs through: tagged with
// the subsystem and fanned out to all configured destinations.
func (lm *LogManager) Subsystem(tag string) btclogv2.Logger {
	handler := &fanout{set: lm.set, level: lm.level}

	return btclogv2.NewSLogger(handler.SubSystem(tag))
}

// Close stops the file rotator, if one is running, after flushing.
func (lm *LogManager) Close() error {
	if lm.pipe != nil {
		return lm.pipe.Close()
	}

	return nil
}

// fanout is the btclog handler behind Subsystem loggers: it dispatches
// each record to every destination handler. The method set is dictated by
// the btclog and slog Handler interfaces.
type fanout struct {
	set   []btclogv2.Handler
	level btclog.Level
}

// Enabled reports whether every destination handles records at the given
// level.
//
// NOTE: this is part of the slog.Handler interface.
func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f.set {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

// Handle dispatches the record to every destination.
//
// NOTE: this is part of the slog.Handler interface.
func (f *fanout) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range f.set {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a handler carrying the additional attributes on every
// destination.
//
// NOTE: this is part of the slog.Handler interface.
func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.eachSlog(func(h slog.Handler) slog.Handler {
		return h.WithAttrs(attrs)
	})
}

// WithGroup returns a handler with the group appended on every
// destination.
//
// NOTE: this is part of the slog.Handler interface.
func (f *fanout) WithGroup(name string) slog.Handler {
	return f.eachSlog(func(h slog.Handler) slog.Handler {
		return h.WithGroup(name)
	})
}

// SubSystem returns a fanout whose destinations are all tagged with the
// given subsystem.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *fanout) SubSystem(tag string) btclogv2.Handler {
	return f.each(func(h btclogv2.Handler) btclogv2.Handler {
		return h.SubSystem(tag)
	})
}

// WithPrefix returns a fanout whose destinations prefix every message
// with the given string.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *fanout) WithPrefix(prefix string) btclogv2.Handler {
	return f.each(func(h btclogv2.Handler) btclogv2.Handler {
		return h.WithPrefix(prefix)
	})
}

// SetLevel changes the level on every destination.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *fanout) SetLevel(level btclog.Level) {
	for _, handler := range f.set {
		handler.SetLevel(level)
	}
	f.level = level
}

// Level returns the current level.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *fanout) Level() btclog.Level {
	return f.level
}

// each builds a derived fanout by transforming every destination.
func (f *fanout) each(
	transform func(btclogv2.Handler) btclogv2.Handler,
) *fanout {

	derived := &fanout{
		set:   make([]btclogv2.Handler, len(f.set)),
		level: f.level,
	}
	for i, handler := range f.set {
		derived.set[i] = transform(handler)
	}

	return derived
}

// eachSlog builds the narrower slog-only fan-out that WithAttrs and
// WithGroup must return.
func (f *fanout) eachSlog(
	transform func(slog.Handler) slog.Handler,
) slog.Handler {

	derived := &slogFanout{set: make([]slog.Handler, len(f.set))}
	for i, handler := range f.set {
		derived.set[i] = transform(handler)
	}

	return derived
}

// slogFanout dispatches to plain slog handlers; it is what the slog-level
// derivation methods produce once the btclog-specific capabilities are no
// longer reachable.
type slogFanout struct {
	set []slog.Handler
}

// Enabled reports whether every destination handles records at the given
// level.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range s.set {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

// Handle dispatches the record to every destination.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range s.set {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a handler carrying the additional attributes on every
// destination.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := &slogFanout{set: make([]slog.Handler, len(s.set))}
	for i, handler := range s.set {
		derived.set[i] = handler.WithAttrs(attrs)
	}

	return derived
}

// WithGroup returns a handler with the group appended on every
// destination.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) WithGroup(name string) slog.Handler {
	derived := &slogFanout{set: make([]slog.Handler, len(s.set))}
	for i, handler := range s.set {
		derived.set[i] = handler.WithGroup(name)
	}

	return derived
}

// Compile-time interface assertions for both fan-out layers.
var (
	_ btclogv2.Handler = (*fanout)(nil)
	_ slog.Handler     = (*slogFanout)(nil)
)
