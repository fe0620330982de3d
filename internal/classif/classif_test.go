package classif

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ewocclassif/internal/bucket"
	"ewocclassif/internal/classifier"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/config"
	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/runstore"
	"ewocclassif/internal/satio"
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

// fakeClassifier mimics the outputs of the external classifier.
type fakeClassifier struct {
	mu       sync.Mutex
	exits    map[int]int
	requests []classifier.Request
	configs  []*wcconfig.Config
}

func (f *fakeClassifier) Run(_ context.Context, req classifier.Request) (*classifier.Result, error) {
	cfg, err := wcconfig.Read(req.ConfigPath)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()

	write := func(rel, content string) error {
		p := filepath.Join(req.OutDir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		return os.WriteFile(p, []byte(content), 0644)
	}

	if req.Mode == classifier.ModePostprocess {
		if err := write(filepath.Join("cogs", string(req.Tile), cfg.ProductDir(), "31TCJ_cropland.tif"), "cog"); err != nil {
			return nil, err
		}
		return &classifier.Result{Outcome: classifier.OutcomeDone}, nil
	}

	code := f.exits[*req.Block]
	if code == 0 {
		name := fmt.Sprintf("block_%d.tif", *req.Block)
		if err := write(filepath.Join("blocks", string(req.Tile), cfg.ProductDir(), name), "block"); err != nil {
			return nil, err
		}
		if err := write(filepath.Join("exitlogs", fmt.Sprintf("%d.log", *req.Block)), "0"); err != nil {
			return nil, err
		}
	}
	return &classifier.Result{ExitCode: code, Outcome: classifier.OutcomeFor(code)}, nil
}

func (f *fakeClassifier) modes() []classifier.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []classifier.Mode
	for _, r := range f.requests {
		out = append(out, r.Mode)
	}
	return out
}

type fakeLedger struct {
	mu   sync.Mutex
	done []int
	runs []runstore.BlockRun
}

func (l *fakeLedger) Record(r runstore.BlockRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, r)
	return nil
}

func (l *fakeLedger) Done(ewoc.TileID, ewoc.ProductionID) ([]int, error) {
	return l.done, nil
}

type harness struct {
	store  *bucket.MemStore
	runner *fakeClassifier
	ledger *fakeLedger
	out    *bytes.Buffer
	proc   *Processor
}

func newHarness(t *testing.T, exits map[int]int) *harness {
	t.Helper()
	store := bucket.NewMemStore()
	for _, sensor := range []string{"OPTICAL", "SAR", "TIR"} {
		for _, day := range []string{"20210301", "20210311"} {
			key := fmt.Sprintf("%s/%s/31/T/CJ/S2_%s_%s/B02.tif", pid, sensor, day, sensor)
			store.Put("ewoc-ard", key, []byte("x"))
		}
	}
	store.Put("ewoc-aux-data", "AgERA5/2021/20210301/t.tif", []byte("x"))
	store.Put("ewoc-aux-data", "AgERA5/2021/20210302/t.tif", []byte("x"))

	cfg := config.DefaultConfig()
	h := &harness{
		store:  store,
		runner: &fakeClassifier{exits: exits},
		ledger: &fakeLedger{},
		out:    &bytes.Buffer{},
	}
	h.proc = New(Deps{
		Config:     cfg,
		ARD:        bucket.NewARDBucket(store, "ewoc-ard"),
		Aux:        bucket.NewAuxBucket(store, "ewoc-aux-data"),
		Prd:        bucket.NewPrdBucket(store, "ewoc-prd", 2),
		Classifier: h.runner,
		Reporter:   cli.NewReporter(h.out),
		Ledger:     h.ledger,
	})
	return h
}

func params(t *testing.T) cli.ProcessingFlags {
	return cli.ProcessingFlags{
		Detector:      ewoc.DetectorCropland,
		Year:          2021,
		Season:        ewoc.SeasonAnnual,
		CroplandModel: ewoc.DefaultCroplandModelVersion,
		CroptypeModel: ewoc.DefaultCroptypeModelVersion,
		IrrModel:      ewoc.DefaultIrrigationModelVersion,
		OutDir:        filepath.Join(t.TempDir(), "out"),
	}
}

func TestRunUploadsBlocks(t *testing.T) {
	h := newHarness(t, map[int]int{0: 0, 1: 1, 2: 3})
	p := params(t)

	sum, err := h.proc.Run(context.Background(), Request{
		Tile: tile, Production: pid, Params: p, BlockIDs: []int{0, 1, 2}, UploadBlock: true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocksFailed))
	assert.Equal(t, &Summary{Done: 1, Skipped: 1, Failed: 1, Uploaded: 1}, sum)

	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	assert.Equal(t, []string{
		"Uploaded 1 files to bucket | s3://ewoc-prd/" + string(pid) + "/blocks",
		"Uploaded 0 files to bucket | placeholder",
	}, lines)

	_, ok := h.store.Get("ewoc-prd", string(pid)+"/blocks/31TCJ/2021_annual/block_0.tif")
	assert.True(t, ok)
	_, ok = h.store.Get("ewoc-prd", string(pid)+"/exitlogs/0.log")
	assert.True(t, ok)

	require.Len(t, h.ledger.runs, 3)
	assert.Equal(t, runstore.StatusDone, h.ledger.runs[0].Status)
	assert.Equal(t, 1, h.ledger.runs[0].Uploaded)
	assert.Equal(t, runstore.StatusSkipped, h.ledger.runs[1].Status)
	assert.Equal(t, runstore.StatusFailed, h.ledger.runs[2].Status)
	assert.Equal(t, 3, h.ledger.runs[2].ExitCode)

	require.Len(t, h.runner.requests, 3)
	for i, req := range h.runner.requests {
		assert.Equal(t, classifier.ModeProcess, req.Mode)
		assert.Equal(t, i, *req.Block)
	}

	// Work files are cleaned, the user output dir itself is kept.
	assert.DirExists(t, p.OutDir)
	entries, err := os.ReadDir(p.OutDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunGeneratesInputs(t *testing.T) {
	h := newHarness(t, nil)
	p := params(t)
	p.NoClean = true

	_, err := h.proc.Run(context.Background(), Request{
		Tile: tile, Production: pid, Params: p, BlockIDs: []int{4}, UploadBlock: true,
	})
	require.NoError(t, err)

	require.Len(t, h.runner.configs, 1)
	in := h.runner.configs[0].Inputs
	for _, f := range []string{in.Optical, in.SAR, in.TIR, in.Meteo} {
		assert.FileExists(t, f)
		assert.True(t, strings.HasPrefix(filepath.Base(f), "31TCJ_"))
	}
	assert.Equal(t, "s3://ewoc-aux-data/CopDEM_20m", in.DEM)

	records, err := satio.Read(in.SAR)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "SIGMA0", records[0].Level)

	assert.FileExists(t, h.runner.requests[0].ConfigPath)
	assert.DirExists(t, filepath.Join(p.OutDir, workspace.FeaturesDir))
}

func TestRunDropsSparseTIR(t *testing.T) {
	h := newHarness(t, nil)
	p := params(t)
	p.Detector = ewoc.DetectorCroptype
	p.Season = ewoc.SeasonSummer1

	tir := filepath.Join(t.TempDir(), "tir.csv")
	require.NoError(t, satio.Write(tir, []satio.Record{{Tile: "31TCJ", Level: "L2SP", Path: "s3://x"}}))
	p.TIRCSV = tir

	_, err := h.proc.Run(context.Background(), Request{
		Tile: tile, Production: pid, Params: p, BlockIDs: []int{0}, UploadBlock: true,
	})
	require.NoError(t, err)

	cfg := h.runner.configs[0]
	assert.Empty(t, cfg.Inputs.TIR)
	require.NotNil(t, cfg.Parameters.Irrigation)
	assert.False(t, *cfg.Parameters.Irrigation)
	assert.Equal(t, "s3://ewoc-prd/"+string(pid), cfg.Parameters.CroplandMask)
}

func TestRunResumeSkipsDoneBlocks(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.done = []int{0, 2}

	sum, err := h.proc.Run(context.Background(), Request{
		Tile: tile, Production: pid, Params: params(t), BlockIDs: []int{0, 1, 2, 3}, UploadBlock: true, Resume: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Resumed)
	assert.Equal(t, 2, sum.Done)

	var blocks []int
	for _, r := range h.runner.requests {
		blocks = append(blocks, *r.Block)
	}
	assert.Equal(t, []int{1, 3}, blocks)
}

func TestRunResumeWithoutLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.proc.ledger = nil

	sum, err := h.proc.Run(context.Background(), Request{
		Tile: tile, Production: pid, Params: params(t), BlockIDs: []int{0, 1}, UploadBlock: true, Resume: true,
	})
	require.ErrorIs(t, err, ErrNoLedger)
	assert.Nil(t, sum)
	assert.Empty(t, h.runner.requests)
	assert.Empty(t, h.out.String())
}

func TestRunWithoutBlockUploadMosaics(t *testing.T) {
	h := newHarness(t, map[int]int{1: 1})

	sum, err := h.proc.Run(context.Background(), Request{
		Tile: tile, Production: pid, Params: params(t), BlockIDs: []int{0, 1}, UploadBlock: false,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Done)
	assert.Equal(t, []classifier.Mode{classifier.ModeProcess, classifier.ModeProcess, classifier.ModePostprocess}, h.runner.modes())

	// Blocks stay local, the COG and the logs are published.
	for _, k := range h.store.Keys("ewoc-prd") {
		assert.NotContains(t, k, "/blocks/")
	}
	_, ok := h.store.Get("ewoc-prd", string(pid)+"/31TCJ/2021_annual/31TCJ_cropland.tif")
	assert.True(t, ok)
	_, ok = h.store.Get("ewoc-prd", string(pid)+"/exitlogs/0.log")
	assert.True(t, ok)

	assert.Equal(t, "Uploaded 0 files to bucket | placeholder\nUploaded 1 files to bucket | s3://ewoc-prd/"+string(pid)+"\n", h.out.String())
	assert.Empty(t, h.ledger.runs)
}

func TestRunPostprocessDownloadsBlocks(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Put("ewoc-prd", string(pid)+"/blocks/31TCJ/2021_annual/block_7.tif", []byte("b"))
	p := params(t)
	p.NoClean = true

	_, err := h.proc.Run(context.Background(), Request{Tile: tile, Production: pid, Params: p, Postprocess: true, UploadBlock: true})
	require.NoError(t, err)

	require.Len(t, h.runner.requests, 1)
	req := h.runner.requests[0]
	assert.Equal(t, classifier.ModePostprocess, req.Mode)
	assert.Equal(t, 46172, *req.AEZ)
	assert.FileExists(t, filepath.Join(p.OutDir, "blocks", "31TCJ", "2021_annual", "block_7.tif"))
}

func TestRunInvalidCroptypeSeason(t *testing.T) {
	h := newHarness(t, nil)
	p := params(t)
	p.Detector = ewoc.DetectorCroptype

	_, err := h.proc.Run(context.Background(), Request{Tile: tile, Production: pid, Params: p, UploadBlock: true})
	assert.ErrorIs(t, err, ewoc.ErrInvalidSeason)
	assert.Empty(t, h.runner.requests)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.proc.Run(ctx, Request{Tile: tile, Production: pid, Params: params(t), BlockIDs: []int{0}, UploadBlock: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.runner.requests)
}

func TestProducts(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Put("ewoc-prd", string(pid)+"/blocks/31TCJ/2021_annual/block_7.tif", []byte("b"))

	res, err := h.proc.Products(context.Background(), ProductsRequest{Tile: tile, Production: pid, Params: params(t), NoUpload: true})
	require.NoError(t, err)
	assert.Equal(t, "2021_annual", res.ProductDir)
	assert.Equal(t, 1, res.Downloaded)
	assert.Zero(t, res.Uploaded.Count)
	assert.Empty(t, h.out.String())
}
