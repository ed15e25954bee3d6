package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`

	// Path is the file the report was read from.
	Path string `json:"-"`
}

// CrashHandler turns panics into JSON crash reports on disk and a log
// record, then lets the caller decide whether to continue.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	logger    *Logger
	seq       int
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory crash reports are written to.
	CrashDir string

	// Version is the application version.
	Version string

	// Component is the component name.
	Component string

	// Logger receives an error record per crash. Nil means Default().
	Logger *Logger
}

// NewCrashHandler creates a new CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = Default()
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    logger,
	}
}

// Recover runs fn and converts a panic into a crash report. It returns the
// recovered value, or nil when fn returned normally.
func (h *CrashHandler) Recover(contextInfo map[string]any, fn func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(r, contextInfo)
			recovered = r
		}
	}()
	fn()
	return nil
}

// HandlePanic records a panic value.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      contextInfo,
	}

	path, err := h.writeCrashDump(report)
	if err != nil {
		h.logger.Error("panic recovered", "panic", report.PanicValue, "dump_error", err)
		return
	}
	h.logger.Error("panic recovered", "panic", report.PanicValue, "crash_report", path)
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if h.crashDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	h.seq++
	name := fmt.Sprintf("crash-%s-%s-%d.json",
		report.Component,
		report.Timestamp.Format("20060102-150405"),
		h.seq)
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// ReadCrashReports loads the crash reports in dir, newest first. Files that
// cannot be parsed are skipped. A missing dir yields no reports.
func ReadCrashReports(dir string) ([]CrashReport, error) {
	if dir == "" {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if json.Unmarshal(data, &report) != nil {
			continue
		}
		report.Path = file
		reports = append(reports, report)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Timestamp.After(reports[j].Timestamp)
	})
	return reports, nil
}
