package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const megabyte = 1024 * 1024

// FileRotator is an io.Writer over a log file that renames the file aside
// once it reaches MaxSize megabytes. Rotated files are optionally gzipped
// and pruned by MaxBackups and MaxAge; a zero limit disables that rule.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool

	mu      sync.Mutex
	active  *os.File
	written int64

	// compression and pruning run off the write path, one job at a time
	jobs  sync.WaitGroup
	jobMu sync.Mutex
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * megabyte,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		compress:   cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.active = f
	r.written = info.Size()
	return nil
}

// Write implements io.Writer. A record that would push the file past the
// size limit goes to a fresh file.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.written > 0 && r.written+int64(len(p)) > r.maxBytes {
		if err := r.rotate(time.Now()); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.active.Write(p)
	r.written += int64(n)
	return n, err
}

// rotate moves the active file to a timestamped name and reopens the path.
// Callers hold r.mu.
func (r *FileRotator) rotate(now time.Time) error {
	if err := r.active.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.active = nil

	backup := backupName(r.path, now)
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		r.jobMu.Lock()
		defer r.jobMu.Unlock()
		if r.compress {
			if err := gzipFile(backup); err == nil {
				os.Remove(backup)
			}
		}
		r.prune(now)
	}()
	return nil
}

// prune removes backups beyond maxBackups (oldest first) and backups older
// than maxAge.
func (r *FileRotator) prune(now time.Time) {
	backups, err := rotatedFiles(r.path)
	if err != nil {
		return
	}

	doomed := map[string]bool{}
	if r.maxBackups > 0 && len(backups) > r.maxBackups {
		for _, b := range backups[:len(backups)-r.maxBackups] {
			doomed[b.path] = true
		}
	}
	if r.maxAge > 0 {
		cutoff := now.Add(-r.maxAge)
		for _, b := range backups {
			if b.modTime.Before(cutoff) {
				doomed[b.path] = true
			}
		}
	}
	for path := range doomed {
		os.Remove(path)
	}
}

// Close waits for background compression and pruning, then closes the file.
func (r *FileRotator) Close() error {
	r.jobs.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	err := r.active.Close()
	r.active = nil
	return err
}

// Sync flushes the active file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.Sync()
}

// LogFiles returns path followed by its rotated backups, oldest first.
// path itself is listed only if it exists.
func LogFiles(path string) ([]string, error) {
	var files []string
	if exists(path) {
		files = append(files, path)
	}
	backups, err := rotatedFiles(path)
	if err != nil {
		return files, err
	}
	for _, b := range backups {
		files = append(files, b.path)
	}
	return files, nil
}

type backupFile struct {
	path    string
	modTime time.Time
}

// rotatedFiles lists the backups of path, plain or gzipped, oldest first.
func rotatedFiles(path string) ([]backupFile, error) {
	stem, ext := splitLogPath(path)
	matches, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}

	backups := make([]backupFile, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{path: m, modTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].path < backups[j].path
		}
		return backups[i].modTime.Before(backups[j].modTime)
	})
	return backups, nil
}

// backupName picks an unused name for a backup rotated at now.
func backupName(path string, now time.Time) string {
	stem, ext := splitLogPath(path)
	stamp := now.Format("20060102-150405.000")
	name := fmt.Sprintf("%s-%s%s", stem, stamp, ext)
	for i := 1; exists(name) || exists(name+".gz"); i++ {
		name = fmt.Sprintf("%s-%s-%d%s", stem, stamp, i, ext)
	}
	return name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// splitLogPath splits "/var/log/x.log" into "/var/log/x" and ".log".
func splitLogPath(path string) (stem, ext string) {
	ext = filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}

// gzipFile writes path+".gz" with the original's modification time. The
// original is left for the caller to remove.
func gzipFile(path string) (err error) {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path + ".gz")
			return
		}
		err = os.Chtimes(path+".gz", info.ModTime(), info.ModTime())
	}()

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
