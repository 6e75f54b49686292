package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	media := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(media, "epic-site"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(media, "hello.txt"), []byte("hello world\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(media, "epic-site", "index.html"), []byte("<h1>hi</h1>"), 0644))
	return NewStore(media)
}

func TestResolveRejectsEscapes(t *testing.T) {
	s := newTestStore(t)

	bad := []string{
		"",
		"/etc/passwd",
		"../secret",
		"epic-site/../../secret",
		"..",
	}
	for _, p := range bad {
		_, err := s.Resolve(p)
		assert.ErrorIs(t, err, ErrUnsafePath, "path %q", p)
	}
}

func TestResolveAllowsNestedPaths(t *testing.T) {
	s := newTestStore(t)

	full, err := s.Resolve("epic-site/index.html")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.MediaDir, "epic-site", "index.html"), full)

	// ".." that stays inside the media directory is fine after Clean.
	full, err = s.Resolve("epic-site/../hello.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.MediaDir, "hello.txt"), full)
}

func TestExists(t *testing.T) {
	s := newTestStore(t)

	assert.True(t, s.Exists("hello.txt"))
	assert.True(t, s.Exists("epic-site/index.html"))
	assert.False(t, s.Exists("missing.txt"))
	assert.False(t, s.Exists("epic-site"))
	assert.False(t, s.Exists("../hello.txt"))
}

func TestLoadReturnsContentAndDigest(t *testing.T) {
	s := newTestStore(t)

	data, digest, err := s.Load("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world\n"), data)
	assert.Equal(t, HashBytes(data), digest)
	assert.Len(t, digest, 32)
}

func TestSaveCreatesParentsAndIsServable(t *testing.T) {
	s := newTestStore(t)

	full, err := s.Save("other-site/css/style.css", []byte("body{}"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.MediaDir, "other-site", "css", "style.css"), full)

	// A fetched file is immediately servable under the same path.
	data, _, err := s.Load("other-site/css/style.css")
	require.NoError(t, err)
	assert.Equal(t, []byte("body{}"), data)
}

func TestSaveRejectsEscapes(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("../outside.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsafePath)

	_, err = s.Save("/abs.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestListSite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.MediaDir, "epic-site", "js"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.MediaDir, "epic-site", "js", "app.js"), []byte("//"), 0644))

	files, err := s.ListSite("epic-site")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"epic-site/index.html", "epic-site/js/app.js"}, files)

	_, err = s.ListSite("../epic-site")
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	s := newTestStore(t)

	full, err := s.Resolve("hello.txt")
	require.NoError(t, err)

	fromFile, err := HashFile(full)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("hello world\n")), fromFile)
}
