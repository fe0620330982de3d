package mosaic

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ewocclassif/internal/bucket"
	"ewocclassif/internal/classifier"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/wcconfig"
	"ewocclassif/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	tile = ewoc.TileID("31TCJ")
	pid  = ewoc.ProductionID("c728b264_46172_20220920095058")
)

// fakeRunner writes a COG and a STAC item the way the classifier does.
type fakeRunner struct {
	mu       sync.Mutex
	requests []classifier.Request
	exit     int
	noOutput bool
}

func (f *fakeRunner) Run(_ context.Context, req classifier.Request) (*classifier.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if !f.noOutput {
		dir := filepath.Join(req.OutDir, workspace.CogsDir, string(req.Tile), "2021_annual")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "31TCJ_cropland.tif"), []byte("cog"), 0644); err != nil {
			return nil, err
		}
		cogs := filepath.Join(req.OutDir, workspace.CogsDir)
		item := map[string]interface{}{
			"links":      []interface{}{map[string]interface{}{"rel": "self", "href": cogs + "/31TCJ/2021_annual/31TCJ_metadata_cropland.json"}},
			"assets":     map[string]interface{}{"cropland": map[string]interface{}{"href": cogs + "/31TCJ/2021_annual/31TCJ_cropland.tif"}},
			"properties": map[string]interface{}{"public": "false", "users": []interface{}{"0000"}},
		}
		data, _ := json.Marshal(item)
		if err := os.WriteFile(filepath.Join(dir, "31TCJ_metadata_cropland.json"), data, 0644); err != nil {
			return nil, err
		}
	}
	return &classifier.Result{ExitCode: f.exit, Outcome: classifier.OutcomeFor(f.exit)}, nil
}

type fakeVDM struct {
	files []string
	ok    bool
}

func (v *fakeVDM) Notify(_ context.Context, f string) bool {
	v.files = append(v.files, f)
	return v.ok
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "31TCJ_abc123_ewoc_config.json")
	cfg := &wcconfig.Config{Parameters: wcconfig.Parameters{Year: 2021, Season: ewoc.SeasonAnnual}}
	require.NoError(t, wcconfig.Write(p, cfg))
	return p
}

func TestBlocksPrefix(t *testing.T) {
	assert.Equal(t, "c728b264_46172_20220920095058/blocks/31TCJ/2021_annual", BlocksPrefix(pid, tile, "2021_annual"))
}

func TestRunDownloadsBlocksAndPublishes(t *testing.T) {
	store := bucket.NewMemStore()
	store.Put("ewoc-prd", string(pid)+"/blocks/31TCJ/2021_annual/block_0.tif", []byte("b0"))
	store.Put("ewoc-prd", string(pid)+"/blocks/31TCJ/2021_annual/block_1.tif", []byte("b1"))
	prd := bucket.NewPrdBucket(store, "ewoc-prd", 2)

	work := t.TempDir()
	runner := &fakeRunner{}
	vdm := &fakeVDM{ok: true}
	var out bytes.Buffer
	m := New(prd, runner, cli.NewReporter(&out), vdm)

	res, err := m.Run(context.Background(), Request{
		Tile: tile, Production: pid, ConfigPath: writeConfig(t, work), WorkDir: work,
		DownloadBlocks: true, NotifyVDM: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Downloaded)
	assert.FileExists(t, filepath.Join(work, "blocks", "31TCJ", "2021_annual", "block_0.tif"))

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, classifier.ModePostprocess, req.Mode)
	require.NotNil(t, req.AEZ)
	assert.Equal(t, 46172, *req.AEZ)

	assert.Equal(t, 2, res.Uploaded.Count)
	assert.Equal(t, "s3://ewoc-prd/"+string(pid), res.Uploaded.Dir)
	assert.Equal(t, "Uploaded 2 files to bucket | s3://ewoc-prd/"+string(pid)+"\n", out.String())

	data, ok := store.Get("ewoc-prd", string(pid)+"/31TCJ/2021_annual/31TCJ_metadata_cropland.json")
	require.True(t, ok)
	assert.Contains(t, string(data), "s3://ewoc-prd/"+string(pid)+"/31TCJ/2021_annual/31TCJ_cropland.tif")
	assert.Contains(t, string(data), `"users":["c728b264"]`)

	assert.Len(t, res.STACFiles, 1)
	assert.Equal(t, res.STACFiles, vdm.files)
	assert.Equal(t, 1, res.Ingested)
}

func TestRunEmptyOutputFails(t *testing.T) {
	prd := bucket.NewPrdBucket(bucket.NewMemStore(), "ewoc-prd", 1)
	work := t.TempDir()
	var out bytes.Buffer
	m := New(prd, &fakeRunner{noOutput: true, exit: 2}, cli.NewReporter(&out), nil)

	_, err := m.Run(context.Background(), Request{Tile: tile, Production: pid, ConfigPath: writeConfig(t, work), WorkDir: work})
	assert.ErrorIs(t, err, workspace.ErrEmptyOutput)
	assert.Empty(t, out.String())
}

func TestRunNoUploadKeepsProducts(t *testing.T) {
	store := bucket.NewMemStore()
	prd := bucket.NewPrdBucket(store, "ewoc-prd", 1)
	work := t.TempDir()
	var out bytes.Buffer
	m := New(prd, &fakeRunner{}, cli.NewReporter(&out), nil)

	res, err := m.Run(context.Background(), Request{
		Tile: tile, Production: pid, ConfigPath: writeConfig(t, work), WorkDir: work, NoUpload: true,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded.Count)
	assert.Empty(t, store.Keys("ewoc-prd"))
	assert.Empty(t, out.String())
	assert.Len(t, res.STACFiles, 1)
}

func TestRunNoUploadSkipsVDM(t *testing.T) {
	var logs bytes.Buffer
	require.NoError(t, logging.Initialize(logging.Options{Level: "warn", Output: &logs}))
	t.Cleanup(func() { _ = logging.Initialize(logging.Options{Output: &bytes.Buffer{}}) })

	store := bucket.NewMemStore()
	work := t.TempDir()
	vdm := &fakeVDM{ok: true}
	m := New(bucket.NewPrdBucket(store, "ewoc-prd", 1), &fakeRunner{}, cli.NewReporter(nil), vdm)

	res, err := m.Run(context.Background(), Request{
		Tile: tile, Production: pid, ConfigPath: writeConfig(t, work), WorkDir: work,
		NoUpload: true, NotifyVDM: true,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Ingested)
	assert.Empty(t, vdm.files)
	assert.Empty(t, store.Keys("ewoc-prd"))
	assert.Contains(t, logs.String(), "VDM notification skipped")
}

func TestRunUploadsLogsAndCountsVDMFailures(t *testing.T) {
	store := bucket.NewMemStore()
	prd := bucket.NewPrdBucket(store, "ewoc-prd", 1)
	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, workspace.ExitLogsDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(work, workspace.ExitLogsDir, "31TCJ.log"), []byte("ok"), 0644))

	vdm := &fakeVDM{ok: false}
	m := New(prd, &fakeRunner{}, cli.NewReporter(nil), vdm)
	res, err := m.Run(context.Background(), Request{
		Tile: tile, Production: pid, ConfigPath: writeConfig(t, work), WorkDir: work,
		UploadLogs: true, NotifyVDM: true,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Ingested)
	assert.Len(t, vdm.files, 1)

	_, ok := store.Get("ewoc-prd", string(pid)+"/exitlogs/31TCJ.log")
	assert.True(t, ok)
}

func TestRunMissingConfig(t *testing.T) {
	m := New(bucket.NewPrdBucket(bucket.NewMemStore(), "ewoc-prd", 1), &fakeRunner{}, nil, nil)
	_, err := m.Run(context.Background(), Request{Tile: tile, Production: pid, ConfigPath: filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, err)
}
