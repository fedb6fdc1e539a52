package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// File is an encrypted JSON snapshot on disk.
type File struct {
	path   string
	secret string
}

func NewFile(path, secret string) *File {
	return &File{path: strings.TrimSpace(path), secret: strings.TrimSpace(secret)}
}

// Configured reports whether both a path and a secret are set.
func (f *File) Configured() bool {
	return f != nil && f.path != "" && f.secret != ""
}

func (f *File) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Load decrypts the snapshot into v. A missing file leaves v untouched and returns false.
func (f *File) Load(v any) (bool, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	plain, err := Open(f.secret, raw)
	if err != nil {
		return false, err
	}
	defer zeroBytes(plain)
	if err := json.Unmarshal(plain, v); err != nil {
		return false, ErrInvalid
	}
	return true, nil
}

// Save encrypts v and replaces the snapshot via a temp file rename.
func (f *File) Save(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer zeroBytes(payload)
	sealed, err := Seal(f.secret, payload)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}
