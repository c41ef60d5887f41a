// Package logging provides config-driven categorized logging for lineprov.
// Every category is a named zap logger; when a logs directory is configured
// each category additionally writes to its own dated file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config loading
	CategorySession    Category = "session"    // Session artifact persistence
	CategoryBrowser    Category = "browser"    // Browser controller, tabs, stealth profile
	CategoryChallenge  Category = "challenge"  // Verification challenge gate
	CategoryWorkflow   Category = "workflow"   // Per-account phases
	CategorySupervisor Category = "supervisor" // Run loop, pause/stop
	CategoryRecords    Category = "records"    // Record source reads and write-back
	CategoryAssets     Category = "assets"     // Media retrieval
	CategoryLedger     Category = "ledger"     // Run history store
	CategoryControl    Category = "control"    // Control surface and control files
)

// AllCategories lists every category in display order.
var AllCategories = []Category{
	CategoryBoot, CategorySession, CategoryBrowser, CategoryChallenge, CategoryWorkflow,
	CategorySupervisor, CategoryRecords, CategoryAssets, CategoryLedger, CategoryControl,
}

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Dir        string          `yaml:"dir"`
	Console    bool            `yaml:"console"`
	Categories map[string]bool `yaml:"categories"`
}

var (
	mu      sync.RWMutex
	cfg     Config
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.Logger)
	files   []*os.File
)

// Initialize configures the category loggers. It may be called again to
// reconfigure; previously opened files are closed.
func Initialize(c Config) error {
	lvl, err := zapcore.ParseLevel(orDefault(c.Level, "info"))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", c.Level, err)
	}

	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
	}

	CloseAll()

	mu.Lock()
	defer mu.Unlock()

	cfg = c
	level.SetLevel(lvl)
	if c.Console {
		root = zap.New(zapcore.NewCore(encoder(c.JSONFormat), zapcore.Lock(os.Stderr), level))
	} else {
		root = zap.NewNop()
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func encoder(json bool) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if json {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories missing from the filter are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) the logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *zap.Logger {
	if !IsCategoryEnabled(category) {
		return zap.NewNop()
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	l := root.Named(string(category))
	if cfg.Dir != "" {
		date := time.Now().Format("2006-01-02")
		logPath := filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s.log", date, category))
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		} else {
			files = append(files, file)
			fileCore := zapcore.NewCore(encoder(cfg.JSONFormat), zapcore.AddSync(file), level)
			l = zap.New(zapcore.NewTee(root.Core(), fileCore)).Named(string(category))
		}
	}
	loggers[category] = l
	return l
}

// Or returns l when it is non-nil and the category logger otherwise.
// Constructors use it so callers may pass nil.
func Or(l *zap.Logger, category Category) *zap.Logger {
	if l != nil {
		return l
	}
	return Get(category)
}

// CloseAll syncs and closes all open log files (call at shutdown)
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		_ = l.Sync()
	}
	for _, f := range files {
		_ = f.Close()
	}
	files = nil
	loggers = make(map[Category]*zap.Logger)
}
