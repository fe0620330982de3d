package workspace

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUID(t *testing.T) {
	uid := NewUID("31TCJ")
	assert.Regexp(t, regexp.MustCompile(`^31TCJ_[0-9a-f]{6}$`), uid)
	assert.NotEqual(t, uid, NewUID("31TCJ"))
}

func TestNewInTempDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	ws, err := New("31TCJ", tmp)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmp, ws.UID), ws.Dir)
	assert.DirExists(t, ws.FeaturesDir())
	assert.Equal(t, filepath.Join(ws.Dir, ws.UID+"_satio_sar.csv"), ws.CSVPath("sar"))
	assert.Equal(t, filepath.Join(ws.Dir, ws.UID+"_ewoc_config.json"), ws.ConfigPath())

	require.NoError(t, ws.Cleanup("31TCJ"))
	assert.NoDirExists(t, ws.Dir)
}

func TestNewInUserDirKeepsForeignFiles(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	out := filepath.Join(t.TempDir(), "out")

	ws, err := New("31TCJ", out)
	require.NoError(t, err)
	assert.Equal(t, out, ws.Dir)

	require.NoError(t, os.WriteFile(ws.ConfigPath(), []byte("{}"), 0644))
	require.NoError(t, os.MkdirAll(ws.Path(BlocksDir, "31TCJ"), 0755))
	require.NoError(t, os.WriteFile(ws.Path("keep.txt"), []byte("x"), 0644))

	require.NoError(t, ws.Cleanup("31TCJ"))

	assert.FileExists(t, ws.Path("keep.txt"))
	assert.NoFileExists(t, ws.ConfigPath())
	assert.NoDirExists(t, ws.Path(BlocksDir))
	assert.NoDirExists(t, ws.FeaturesDir())
}

func TestHasFiles(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasFiles(filepath.Join(dir, "missing")))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cogs", "31TCJ", "2021_annual"), 0755))
	assert.False(t, HasFiles(filepath.Join(dir, "cogs")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cogs", "31TCJ", "2021_annual", "x.tif"), nil, 0644))
	assert.True(t, HasFiles(filepath.Join(dir, "cogs")))
}

func TestRemoveTmpFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DEM_31TCJ.tif"), nil, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "meteo_31TCJ.tif"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "meteo_31TCJ.tif", "inner"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DEM_31TCK.tif"), nil, 0644))

	RemoveTmpFiles(dir, "31TCJ.tif")

	assert.NoFileExists(t, filepath.Join(dir, "DEM_31TCJ.tif"))
	assert.NoDirExists(t, filepath.Join(dir, "nested", "meteo_31TCJ.tif"))
	assert.FileExists(t, filepath.Join(dir, "DEM_31TCK.tif"))
}
