// Package util provides logging and host inspection helpers shared by the
// mniam packages.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig describes where and how much the process logs.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"` // 0 disables size-based rolling
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
	RunID      string `json:"-"`
}

// DefaultLogConfig is used before the configuration file has been read.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
	}
}

var (
	activeMu   sync.Mutex
	activeFile *rollingFile
)

// InitLogger points the global zerolog logger at a JSON log file in
// cfg.Directory, plus a console writer when asked, and returns the file
// path. Calling it again replaces the previous file.
func InitLogger(cfg LogConfig) (string, error) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		level = l
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	file, err := openRollingFile(cfg.Directory, int64(cfg.MaxSizeMB)<<20, cfg.MaxBackups)
	if err != nil {
		return "", err
	}

	var out io.Writer = file
	if cfg.Console {
		out = zerolog.MultiLevelWriter(file, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"})
	}
	lc := zerolog.New(out).With().Timestamp().Str("app", "mniam")
	if cfg.RunID != "" {
		lc = lc.Str("run_id", cfg.RunID)
	}
	log.Logger = lc.Caller().Logger()

	activeMu.Lock()
	previous := activeFile
	activeFile = file
	activeMu.Unlock()
	if previous != nil {
		previous.Close()
	}

	log.Debug().Str("level", level.String()).Str("file", file.Path()).Msg("logger initialized")
	go CleanOldLogs(cfg.Directory, cfg.MaxBackups)
	return file.Path(), nil
}

// rollingFile appends to mniam_<date>.log and moves it aside as
// mniam_<date>_<n>.log once it grows past maxSize.
type rollingFile struct {
	dir        string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	path string
	size int64
}

func openRollingFile(dir string, maxSize int64, maxBackups int) (*rollingFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	r := &rollingFile{dir: dir, maxSize: maxSize, maxBackups: maxBackups}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rollingFile) open() error {
	r.path = filepath.Join(r.dir, fmt.Sprintf("mniam_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", r.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file %s: %w", r.path, err)
	}
	r.f, r.size = f, info.Size()
	return nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSize > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.roll(); err != nil {
			fmt.Fprintf(os.Stderr, "log roll failed: %v\n", err)
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rollingFile) roll() error {
	r.f.Close()
	base := strings.TrimSuffix(r.path, ".log")
	for n := 1; ; n++ {
		aside := fmt.Sprintf("%s_%d.log", base, n)
		if _, err := os.Stat(aside); os.IsNotExist(err) {
			if err := os.Rename(r.path, aside); err != nil {
				return err
			}
			break
		}
	}
	if err := r.open(); err != nil {
		return err
	}
	go CleanOldLogs(r.dir, r.maxBackups)
	return nil
}

// Path returns the file currently written to.
func (r *rollingFile) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// CleanOldLogs deletes all but the maxBackups most recently modified .log
// files in directory and returns how many it deleted.
func CleanOldLogs(directory string, maxBackups int) int {
	if maxBackups < 1 {
		return 0
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var logs []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		if info, err := e.Info(); err == nil {
			logs = append(logs, candidate{filepath.Join(directory, e.Name()), info.ModTime()})
		}
	}
	if len(logs) <= maxBackups {
		return 0
	}

	// Newest first; everything past maxBackups goes.
	sort.Slice(logs, func(i, j int) bool { return logs[i].mod.After(logs[j].mod) })
	removed := 0
	for _, c := range logs[maxBackups:] {
		if os.Remove(c.path) == nil {
			removed++
			log.Debug().Str("file", c.path).Msg("old log removed")
		}
	}
	return removed
}

// ComponentLogger returns the global logger tagged with a component field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
