package resource

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCloserAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestFS_Open(t *testing.T) {
	p := FS{Root: fstest.MapFS{
		"coral-agent":           {Data: []byte("payload")},
		"conf/agent.properties": {Data: []byte("a=b")},
		"conf/nested/.keep":     {Data: nil},
	}}

	t.Run("plain name", func(t *testing.T) {
		rc, err := p.Open("coral-agent")
		require.NoError(t, err)
		assert.Equal(t, "payload", readCloserAll(t, rc))
	})

	t.Run("leading slash is accepted", func(t *testing.T) {
		rc, err := p.Open("/conf/agent.properties")
		require.NoError(t, err)
		assert.Equal(t, "a=b", readCloserAll(t, rc))
	})

	t.Run("missing resource", func(t *testing.T) {
		_, err := p.Open("nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("directory is not a resource", func(t *testing.T) {
		_, err := p.Open("conf/nested")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("escaping names are rejected", func(t *testing.T) {
		_, err := p.Open("../etc/passwd")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := p.Open(" ")
		require.Error(t, err)
	})
}

func TestFS_NilRoot(t *testing.T) {
	_, err := FS{}.Open("anything")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestChain_Open(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "override.properties"), []byte("disk"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared.properties"), []byte("disk"), 0o600))

	chain := Chain{
		FS{Root: fstest.MapFS{"shared.properties": {Data: []byte("embedded")}}},
		nil,
		Dir(dir),
	}

	rc, err := chain.Open("shared.properties")
	require.NoError(t, err)
	assert.Equal(t, "embedded", readCloserAll(t, rc), "first provider wins")

	rc, err = chain.Open("override.properties")
	require.NoError(t, err)
	assert.Equal(t, "disk", readCloserAll(t, rc))

	_, err = chain.Open("missing.properties")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, Exists(chain, "shared.properties"))
	assert.False(t, Exists(chain, "missing.properties"))
}

type brokenProvider struct{}

func (brokenProvider) Open(string) (io.ReadCloser, error) { return nil, errors.New("io error") }

func TestChain_StopsOnRealErrors(t *testing.T) {
	chain := Chain{brokenProvider{}, FS{Root: fstest.MapFS{"x": {Data: []byte("x")}}}}

	_, err := chain.Open("x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
