// Package logging provides categorised logging for the EWoC classification
// tools. Every category is a named child of a single zap logger; the
// process-wide logger is configured once by Initialize and defaults to a
// no-op logger so packages can log before (or without) initialisation.
//
// Log lines go to stderr: stdout is reserved for the orchestrator protocol
// lines ("Start of processing", "Uploaded N files to bucket | ...").
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // CLI startup, configuration
	CategoryBucket     Category = "bucket"     // S3 listing, upload, download
	CategoryClassif    Category = "classif"    // Block processing orchestration
	CategoryClassifier Category = "classifier" // External classifier process
	CategoryMosaic     Category = "mosaic"     // Blocks mosaic, product publication
	CategorySTAC       Category = "stac"       // STAC metadata rewrite
	CategoryVDM        Category = "vdm"        // VDM ingestion
	CategoryModels     Category = "models"     // Model mirror
	CategoryStore      Category = "store"      // Run ledger
	CategoryRelease    Category = "release"    // CI release helpers
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means warn.
	Level string
	// Format is "console" (default) or "json".
	Format string
	// File, when set, receives a copy of every log line.
	File string
	// Categories disables individual categories when mapped to false.
	Categories map[string]bool
	// Output overrides stderr (tests).
	Output io.Writer
}

// Logger is a category logger with printf-style methods.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	level      = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	disabled   = map[string]bool{}
	loggers    = map[Category]*Logger{}
	closeFiles []func() error
)

// Initialize builds the process logger. It may be called again (tests, or a
// config reload); previously handed out category loggers keep the old core.
func Initialize(opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console", "text":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q (valid: console, json)", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	mu.Lock()
	defer mu.Unlock()

	for _, closeFn := range closeFiles {
		_ = closeFn()
	}
	closeFiles = nil

	level.SetLevel(lvl)
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(out), level)}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		closeFiles = append(closeFiles, f.Close)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}

	base = zap.New(zapcore.NewTee(cores...))
	disabled = map[string]bool{}
	for cat, enabled := range opts.Categories {
		if !enabled {
			disabled[cat] = true
		}
	}
	loggers = map[Category]*Logger{}
	return nil
}

// ParseLevel maps a level name to a zap level. Empty means warn.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn", "warning":
		return zapcore.WarnLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.WarnLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// LevelFromVerbosity converts the -v count into a level name.
func LevelFromVerbosity(v int) string {
	switch {
	case v >= 2:
		return "debug"
	case v == 1:
		return "info"
	default:
		return "warn"
	}
}

// SetLevel changes the level of the live logger.
func SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Zap returns the underlying zap logger.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	z := base.Named(string(category))
	if disabled[string(category)] {
		z = zap.NewNop()
	}
	l := &Logger{category: category, sugar: z.Sugar()}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying structured fields (key/value pairs).
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Bucket(format string, args ...interface{})      { Get(CategoryBucket).Info(format, args...) }
func BucketDebug(format string, args ...interface{}) { Get(CategoryBucket).Debug(format, args...) }
func BucketWarn(format string, args ...interface{})  { Get(CategoryBucket).Warn(format, args...) }
func BucketError(format string, args ...interface{}) { Get(CategoryBucket).Error(format, args...) }

func Classif(format string, args ...interface{})      { Get(CategoryClassif).Info(format, args...) }
func ClassifDebug(format string, args ...interface{}) { Get(CategoryClassif).Debug(format, args...) }
func ClassifWarn(format string, args ...interface{})  { Get(CategoryClassif).Warn(format, args...) }
func ClassifError(format string, args ...interface{}) { Get(CategoryClassif).Error(format, args...) }

func Classifier(format string, args ...interface{})      { Get(CategoryClassifier).Info(format, args...) }
func ClassifierDebug(format string, args ...interface{}) { Get(CategoryClassifier).Debug(format, args...) }
func ClassifierWarn(format string, args ...interface{})  { Get(CategoryClassifier).Warn(format, args...) }
func ClassifierError(format string, args ...interface{}) { Get(CategoryClassifier).Error(format, args...) }

func Mosaic(format string, args ...interface{})      { Get(CategoryMosaic).Info(format, args...) }
func MosaicWarn(format string, args ...interface{})  { Get(CategoryMosaic).Warn(format, args...) }
func MosaicError(format string, args ...interface{}) { Get(CategoryMosaic).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
