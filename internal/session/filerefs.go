package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
)

const fileReferenceHashLen = 16

// FileRegistry stores package files content-addressed under a directory
// shared by all replicas: <dir>/<sha256 prefix>/<file name>.
type FileRegistry struct {
	dir   string
	clock clockwork.Clock
}

func NewFileRegistry(dir string, clock clockwork.Clock) *FileRegistry {
	return &FileRegistry{dir: dir, clock: clock}
}

func (r *FileRegistry) Dir() string {
	return r.dir
}

// Register makes the file at path available as a file reference and returns
// the reference name. Registering content that already exists refreshes the
// reference's modification time so the reaper keeps it.
func (r *FileRegistry) Register(path string) (string, error) {
	ref, err := hashFile(path)
	if err != nil {
		return "", err
	}

	refDir := filepath.Join(r.dir, ref)
	now := r.clock.Now()
	_, err = os.Stat(refDir)
	switch {
	case err == nil:
		if err := os.Chtimes(refDir, now, now); err != nil {
			return "", fmt.Errorf("failed to touch file reference %s: %w", ref, err)
		}
		return ref, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("failed to stat file reference %s: %w", ref, err)
	}

	if err := os.MkdirAll(refDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create file reference %s: %w", ref, err)
	}
	if err := copyFile(path, filepath.Join(refDir, filepath.Base(path))); err != nil {
		_ = os.RemoveAll(refDir)
		return "", fmt.Errorf("failed to store file reference %s: %w", ref, err)
	}
	if err := os.Chtimes(refDir, now, now); err != nil {
		return "", fmt.Errorf("failed to touch file reference %s: %w", ref, err)
	}
	return ref, nil
}

// RegisterTree registers every regular file below root. A missing root
// registers nothing.
func (r *FileRegistry) RegisterTree(root string) ([]string, error) {
	var refs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) && path == root {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ref, err := r.Register(path)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:fileReferenceHashLen], nil
}
