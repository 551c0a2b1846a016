// Package logging provides categorized file-based logging for webintel.
// Each subsystem writes to its own dated log file under <data>/logs/.
// Logging is a no-op until Initialize is called with debug enabled, so
// library consumers pay nothing by default.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies a subsystem log stream.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, registry, config
	CategoryCrawl     Category = "crawl"     // explorer, frontier, scorer
	CategoryStore     Category = "store"     // relational store
	CategoryVector    Category = "vector"    // vector index
	CategoryLLM       Category = "llm"       // model calls
	CategoryEmbedding Category = "embedding" // embedding engine
	CategoryEntity    Category = "entity"    // merger, dedup
	CategoryAgent     Category = "agent"     // reflect/explore/investigate runs
	CategoryTasks     Category = "tasks"     // task queue
	CategoryChat      Category = "chat"      // RAG answerer
	CategorySerp      Category = "serp"      // search adapter
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger bound to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	stateMu  sync.RWMutex
	logsDir  string
	enabled  bool
	logLevel = LevelInfo
)

// Initialize points the logging system at the data directory and sets
// the level ("debug", "info", "warn", "error"). When enable is false all
// loggers are silent no-ops.
func Initialize(dataDir string, enable bool, level string) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	enabled = enable
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if !enable {
		return nil
	}
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}
	logsDir = filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	Get(CategoryBoot).Info("logging initialized: dir=%s level=%s", logsDir, level)
	return nil
}

// Enabled reports whether logging is active.
func Enabled() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return enabled
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger when logging is disabled.
func Get(category Category) *Logger {
	stateMu.RLock()
	active := enabled && logsDir != ""
	dir := logsDir
	stateMu.RUnlock()
	if !active {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a plain delete-old-files job.
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file for %s: %v\n", category, err)
		return &Logger{category: category}
	}
	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions per category.

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func Crawl(format string, args ...any)     { Get(CategoryCrawl).Info(format, args...) }
func CrawlDebug(format string, args ...any) {
	Get(CategoryCrawl).Debug(format, args...)
}
func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
func Vector(format string, args ...any)     { Get(CategoryVector).Info(format, args...) }
func VectorDebug(format string, args ...any) {
	Get(CategoryVector).Debug(format, args...)
}
func LLM(format string, args ...any)      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...any) { Get(CategoryLLM).Debug(format, args...) }
func Embedding(format string, args ...any) {
	Get(CategoryEmbedding).Info(format, args...)
}
func EmbeddingDebug(format string, args ...any) {
	Get(CategoryEmbedding).Debug(format, args...)
}
func Entity(format string, args ...any)      { Get(CategoryEntity).Info(format, args...) }
func EntityDebug(format string, args ...any) { Get(CategoryEntity).Debug(format, args...) }
func Agent(format string, args ...any)       { Get(CategoryAgent).Info(format, args...) }
func AgentDebug(format string, args ...any)  { Get(CategoryAgent).Debug(format, args...) }
func Tasks(format string, args ...any)       { Get(CategoryTasks).Info(format, args...) }
func TasksDebug(format string, args ...any)  { Get(CategoryTasks).Debug(format, args...) }
func Chat(format string, args ...any)        { Get(CategoryChat).Info(format, args...) }
func ChatDebug(format string, args ...any)   { Get(CategoryChat).Debug(format, args...) }
func Serp(format string, args ...any)        { Get(CategorySerp).Info(format, args...) }
func SerpDebug(format string, args ...any)   { Get(CategorySerp).Debug(format, args...) }

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning when the operation exceeded the
// threshold, otherwise a debug line.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
