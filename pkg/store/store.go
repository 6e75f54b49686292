package store

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
)

// ErrUnsafePath marks a requested path that tries to escape the media
// directory. Requests carrying one are refused before touching disk.
var ErrUnsafePath = errors.New("unsafe file path")

// Store is the media directory a node serves from and downloads into.
// Completed fetches land under their requested relative path, so a
// node can serve onward anything it has fetched. All remote requests
// go through Resolve so a peer can never reach outside MediaDir.
type Store struct {
	MediaDir string
}

func NewStore(mediaDir string) *Store {
	return &Store{MediaDir: mediaDir}
}

// Resolve maps a wire-form relative path to a real path under the
// media directory. Absolute paths and anything containing a ".."
// element are rejected.
func (s *Store) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, rel)
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the media directory", ErrUnsafePath, rel)
	}

	return filepath.Join(s.MediaDir, clean), nil
}

// Exists reports whether the requested path resolves to a regular file
// under the media directory.
func (s *Store) Exists(rel string) bool {
	full, err := s.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Load reads a served file fully and returns its content with the MD5
// digest that travels in every chunk of the transfer.
func (s *Store) Load(rel string) ([]byte, string, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, "", fmt.Errorf("read media file %s: %w", rel, err)
	}

	return data, HashBytes(data), nil
}

// Save writes a completed transfer under its requested relative path,
// creating parent directories as needed.
func (s *Store) Save(rel string, data []byte) (string, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create media subdirectory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("write media file %s: %w", rel, err)
	}

	logger.Sugar.Infof("[Store] saved file: path=%s bytes=%d", full, len(data))
	return full, nil
}

// ListSite walks one site's subtree and returns the relative paths of
// its regular files, in slash form as they appear on the wire.
func (s *Store) ListSite(site string) ([]string, error) {
	root, err := s.Resolve(site)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.MediaDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk site %s: %w", site, err)
	}
	return files, nil
}

// HashBytes returns the hex MD5 digest used for end to end transfer
// verification.
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashFile streams a file through MD5 without loading it whole.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
