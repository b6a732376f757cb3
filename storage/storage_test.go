package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCreateAppendRemove(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "sd"))
	require.NoError(t, err)
	defer r.Close()

	f, err := r.Create("part.gcode")
	require.NoError(t, err)
	_, err = f.WriteString("G28\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = r.Append("/sd/part.gcode")
	require.NoError(t, err)
	_, err = f.WriteString("M114\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(filepath.Join(dir, "sd", "part.gcode"))
	require.NoError(t, err)
	assert.Equal(t, "G28\nM114\n", string(data))

	rf, err := r.Open("/part.gcode")
	require.NoError(t, err)
	got, err := io.ReadAll(rf)
	rf.Close()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	entries, err := r.List("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "part.gcode", entries[0].Name())

	require.NoError(t, r.Remove("part.gcode"))
	_, err = os.Stat(filepath.Join(dir, "sd", "part.gcode"))
	assert.True(t, os.IsNotExist(err))
}

func TestRootRejectsEscapingNames(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	for _, name := range []string{"", "/", "../x", "a/../../x", "a//b"} {
		_, err := r.Create(name)
		assert.True(t, errors.Is(err, ErrBadName), "name %q: %v", name, err)
	}
}
