package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// File permission constants
const (
	// PermSecretFile is the permission for files containing secrets (owner read/write only)
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for directories containing secrets
	PermSecretDir os.FileMode = 0700

	// PermPublicFile is the permission for non-secret files
	PermPublicFile os.FileMode = 0644

	// maxSecretSize bounds credential files.
	maxSecretSize = 4096

	maxPathLength = 4096
)

// File operation errors
var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: temporary file creation failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
	ErrEmptySecret         = errors.New("security: secret file is empty")
	ErrInvalidPath         = errors.New("security: invalid path")
)

// cleanPath rejects empty, overlong or NUL-carrying paths and returns the
// absolute form.
func cleanPath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: null byte", ErrInvalidPath)
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInvalidPath, len(path), maxPathLength)
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return abs, nil
}

// SecureFileWriter handles atomic file writes with secure permissions.
type SecureFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewSecureFileWriter creates a writer for secure atomic file writes.
// The file is written to a temporary file first, then renamed atomically.
func NewSecureFileWriter(path string, perm os.FileMode) (*SecureFileWriter, error) {
	cleaned, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cleaned), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Same directory, so the rename is atomic.
	tempPath := cleaned + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &SecureFileWriter{
		path:     cleaned,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *SecureFileWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Commit atomically moves the temporary file to the final path.
func (w *SecureFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	return nil
}

// Abort cancels the write and removes the temporary file.
func (w *SecureFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteSecureFile writes data to a file atomically with the given permissions.
func WriteSecureFile(path string, data []byte, perm os.FileMode) error {
	writer, err := NewSecureFileWriter(path, perm)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}

	return writer.Commit()
}

// ReadSecureFile reads a file after checking that group and other have no
// access to it. Permissions are not checked on Windows.
func ReadSecureFile(path string, maxSize int64) ([]byte, error) {
	cleaned, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cleaned)
	if err != nil {
		return nil, err
	}

	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %04o, expected %04o",
				ErrInsecurePermissions, cleaned, mode, PermSecretFile)
		}
	}

	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}

	return os.ReadFile(cleaned)
}

// ReadSecretFile reads a credential such as a bot token: an owner-only
// file whose content, trimmed of surrounding whitespace, must be non-empty.
func ReadSecretFile(path string) (string, error) {
	data, err := ReadSecureFile(path, maxSecretSize)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptySecret, path)
	}
	return secret, nil
}

// EnsureSecureDir ensures a directory exists and is owner-only, tightening
// the permissions of an existing one.
func EnsureSecureDir(path string) error {
	cleaned, err := cleanPath(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(cleaned, PermSecretDir)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, cleaned)
	}

	if runtime.GOOS != "windows" {
		if info.Mode().Perm()&0077 != 0 {
			if err := os.Chmod(cleaned, PermSecretDir); err != nil {
				return fmt.Errorf("fix directory permissions: %w", err)
			}
		}
	}

	return nil
}
