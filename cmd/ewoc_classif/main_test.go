package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ewocclassif/internal/app"
	"ewocclassif/internal/bucket"
	"ewocclassif/internal/classif"
	"ewocclassif/internal/classifier"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/config"
	"ewocclassif/internal/wcconfig"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPID = "c728b264_46172_20220920095058"

// blockRunner writes one block per process run and exits with the code
// configured for that block.
type blockRunner struct {
	mu     sync.Mutex
	exits  map[int]int
	blocks []int
}

func (r *blockRunner) Run(_ context.Context, req classifier.Request) (*classifier.Result, error) {
	cfg, err := wcconfig.Read(req.ConfigPath)
	if err != nil {
		return nil, err
	}
	if req.Mode == classifier.ModePostprocess {
		dir := filepath.Join(req.OutDir, "cogs", string(req.Tile), cfg.ProductDir())
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return &classifier.Result{Outcome: classifier.OutcomeDone}, os.WriteFile(filepath.Join(dir, "cropland.tif"), []byte("cog"), 0644)
	}

	r.mu.Lock()
	r.blocks = append(r.blocks, *req.Block)
	code := r.exits[*req.Block]
	r.mu.Unlock()
	if code == 0 {
		dir := filepath.Join(req.OutDir, "blocks", string(req.Tile), cfg.ProductDir())
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("block_%d.tif", *req.Block)), []byte("b"), 0644); err != nil {
			return nil, err
		}
	}
	return &classifier.Result{ExitCode: code, Outcome: classifier.OutcomeFor(code)}, nil
}

type testEnv struct {
	store  *bucket.MemStore
	runner *blockRunner
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	outDir string
}

func setup(t *testing.T, exits map[int]int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EWOC_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("EWOC_STATE_DB", filepath.Join(dir, "state", "runs.db"))
	t.Setenv("EWOC_DEV_MODE", "")
	t.Setenv("EWOC_BLOCKSIZE", "")

	env := &testEnv{
		store:  bucket.NewMemStore(),
		runner: &blockRunner{exits: exits},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		outDir: filepath.Join(dir, "out"),
	}
	for _, sensor := range []string{"OPTICAL", "SAR", "TIR"} {
		for _, day := range []string{"20210301", "20210311"} {
			key := fmt.Sprintf("%s/%s/31/T/CJ/S2_%s_%s/B02.tif", testPID, sensor, day, sensor)
			env.store.Put("ewoc-ard", key, []byte("x"))
		}
	}
	env.store.Put("ewoc-aux-data", "AgERA5/2021/20210301/t.tif", []byte("x"))

	saved := factory
	factory = app.Factory{
		Store:  func(*config.Config) (bucket.Store, error) { return env.store, nil },
		Runner: func(*config.Config) classifier.Runner { return env.runner },
	}
	t.Cleanup(func() { factory = saved })
	return env
}

func (e *testEnv) run(args ...string) error {
	e.stdout.Reset()
	return run(context.Background(), e.stdout, e.stderr, args)
}

func TestGreedyBlockIDs(t *testing.T) {
	env := setup(t, map[int]int{1: 1})

	err := env.run("--block-ids", "0", "1", "2", "31TCJ", testPID, "-o", env.outDir)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, env.runner.blocks)
	lines := strings.Split(strings.TrimSpace(env.stdout.String()), "\n")
	assert.Equal(t, []string{
		"Start of processing",
		"Uploaded 1 files to bucket | s3://ewoc-prd/" + testPID + "/blocks",
		"Uploaded 0 files to bucket | placeholder",
		"Uploaded 1 files to bucket | s3://ewoc-prd/" + testPID + "/blocks",
	}, lines)

	_, ok := env.store.Get("ewoc-prd", testPID+"/blocks/31TCJ/2021_annual/block_2.tif")
	assert.True(t, ok)
}

func TestResumeSkipsRecordedBlocks(t *testing.T) {
	env := setup(t, map[int]int{1: 3})

	err := env.run("31TCJ", testPID, "--block-ids", "0,1", "-o", env.outDir)
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(err))
	assert.Equal(t, []int{0, 1}, env.runner.blocks)

	env.runner.exits = nil
	require.NoError(t, env.run("31TCJ", testPID, "--block-ids", "0,1", "--resume", "-o", env.outDir))
	assert.Equal(t, []int{0, 1, 1}, env.runner.blocks)

	require.NoError(t, env.run("runs", "31TCJ", testPID))
	out := env.stdout.String()
	assert.Contains(t, out, "BLOCK")
	assert.Equal(t, 3, strings.Count(out, "\n")-1)
	assert.Contains(t, out, "failed")
}

func TestNoUploadBlockMosaics(t *testing.T) {
	env := setup(t, nil)

	err := env.run("31TCJ", testPID, "--block-ids", "4", "--upload-block=false", "-o", env.outDir)
	require.NoError(t, err)

	for _, key := range env.store.Keys("ewoc-prd") {
		assert.NotContains(t, key, "/blocks/")
	}
	_, ok := env.store.Get("ewoc-prd", testPID+"/31TCJ/2021_annual/cropland.tif")
	assert.True(t, ok)
	assert.Equal(t, "Start of processing\nUploaded 1 files to bucket | s3://ewoc-prd/"+testPID+"\n", env.stdout.String())
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid season", []string{"31TCJ", testPID, "--ewoc-season", "spring"}},
		{"invalid detector", []string{"31TCJ", testPID, "--ewoc-detector", "forest"}},
		{"invalid tile", []string{"XXTCJ", testPID}},
		{"missing production", []string{"31TCJ"}},
		{"negative block", []string{"31TCJ", testPID, "--block-ids", "-3"}},
		{"unknown flag", []string{"31TCJ", testPID, "--nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t, nil)
			err := env.run(tt.args...)
			assert.Equal(t, cli.ExitUsage, cli.ExitCode(err), "%v", err)
			assert.Empty(t, env.runner.blocks)
			assert.NotContains(t, env.stdout.String(), "Start of processing")
		})
	}
}

func TestVersion(t *testing.T) {
	env := setup(t, nil)
	require.NoError(t, env.run("--version"))
	assert.Equal(t, "ewoc_classif "+cli.Version+"\n", env.stdout.String())
}

func TestRunsWithoutLedger(t *testing.T) {
	env := setup(t, nil)
	t.Setenv("EWOC_STATE_DB", "")
	err := env.run("runs", "31TCJ", testPID)
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(err))
	assert.ErrorIs(t, err, errNoLedger)
}

func TestResumeWithoutLedger(t *testing.T) {
	env := setup(t, nil)
	t.Setenv("EWOC_STATE_DB", "")

	err := env.run("31TCJ", testPID, "--block-ids", "0", "--resume", "-o", env.outDir)
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(err))
	assert.ErrorIs(t, err, classif.ErrNoLedger)
	assert.Empty(t, env.runner.blocks)
	assert.Empty(t, env.stdout.String())
}

func TestMissingCredentials(t *testing.T) {
	env := setup(t, nil)
	factory = app.DefaultFactory
	t.Setenv("EWOC_S3_ACCESS_KEY_ID", "")
	t.Setenv("EWOC_S3_SECRET_ACCESS_KEY", "")

	err := env.run("31TCJ", testPID, "-o", env.outDir)
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(err))
	assert.ErrorIs(t, err, config.ErrMissingCredentials)
	assert.Empty(t, env.stdout.String())
}
