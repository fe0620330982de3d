// Package mosaic merges the classified blocks of a tile into cloud optimised
// GeoTIFFs with the external classifier and publishes them: STAC rewrite,
// upload to the product bucket and VDM notification.
package mosaic

import (
	"context"
	"fmt"
	"path"
	"time"

	"ewocclassif/internal/bucket"
	"ewocclassif/internal/classifier"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/stac"
	"ewocclassif/internal/wcconfig"
	"ewocclassif/internal/workspace"
)

// Notifier ingests a STAC item in the VDM.
type Notifier interface {
	Notify(ctx context.Context, stacFile string) bool
}

// Request describes one mosaic.
type Request struct {
	Tile       ewoc.TileID
	Production ewoc.ProductionID
	ConfigPath string
	WorkDir    string

	// DownloadBlocks fetches <pid>/blocks/<tile>/<year>_<season> from the
	// product bucket first. Otherwise the blocks already in WorkDir are used.
	DownloadBlocks bool
	// NoUpload keeps the COGs local.
	NoUpload bool
	// UploadLogs also pushes exitlogs/ and proclogs/.
	UploadLogs bool
	// NotifyVDM posts every rewritten STAC item to the VDM.
	NotifyVDM bool
	// Timeout bounds the classifier run; zero uses the runner default.
	Timeout time.Duration
}

// Result summarises a mosaic.
type Result struct {
	ProductDir string // <year>_<season>
	Downloaded int
	Uploaded   bucket.UploadResult
	STACFiles  []string
	Ingested   int
}

// Mosaicker runs mosaics.
type Mosaicker struct {
	prd      *bucket.PrdBucket
	runner   classifier.Runner
	reporter *cli.Reporter
	vdm      Notifier
}

// New returns a Mosaicker. vdm may be nil when notifications are never
// requested.
func New(prd *bucket.PrdBucket, runner classifier.Runner, reporter *cli.Reporter, vdm Notifier) *Mosaicker {
	return &Mosaicker{prd: prd, runner: runner, reporter: reporter, vdm: vdm}
}

// BlocksPrefix is where the blocks of a tile season live in the product
// bucket.
func BlocksPrefix(pid ewoc.ProductionID, tile ewoc.TileID, productDir string) string {
	return path.Join(string(pid), workspace.BlocksDir, string(tile), productDir)
}

// Run performs the mosaic. It fails with workspace.ErrEmptyOutput when the
// classifier produced no COG.
func (m *Mosaicker) Run(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryMosaic, "mosaic "+string(req.Tile))
	defer timer.StopWithInfo()

	cfg, err := wcconfig.Read(req.ConfigPath)
	if err != nil {
		return nil, err
	}
	res := &Result{ProductDir: cfg.ProductDir()}
	ws := &workspace.Workspace{Dir: req.WorkDir}

	if req.DownloadBlocks {
		prefix := BlocksPrefix(req.Production, req.Tile, res.ProductDir)
		dest := ws.Path(workspace.BlocksDir, string(req.Tile), res.ProductDir)
		logging.Mosaic("Getting blocks from %s to %s", m.prd.Root(prefix), dest)
		n, err := m.prd.DownloadPrefix(ctx, prefix, dest)
		if err != nil {
			return res, fmt.Errorf("failed to download blocks: %w", err)
		}
		res.Downloaded = n
		if n == 0 {
			logging.MosaicWarn("No block found under %s", m.prd.Root(prefix))
		}
	}

	aez := req.Production.AEZ()
	run, err := m.runner.Run(ctx, classifier.Request{
		Tile:       req.Tile,
		ConfigPath: req.ConfigPath,
		OutDir:     req.WorkDir,
		Mode:       classifier.ModePostprocess,
		AEZ:        &aez,
		Timeout:    req.Timeout,
	})
	if err != nil {
		return res, err
	}
	if run.Outcome == classifier.OutcomeFailed {
		logging.MosaicError("Mosaic classifier run failed with code %d: %s", run.ExitCode, run.Error)
	}

	cogs := ws.Path(workspace.CogsDir)
	if !workspace.HasFiles(ws.Path(workspace.CogsDir, string(req.Tile), res.ProductDir)) {
		return res, fmt.Errorf("%w: %s/%s/%s, the mosaic failed", workspace.ErrEmptyOutput, cogs, req.Tile, res.ProductDir)
	}

	root := m.prd.Root(string(req.Production))
	res.STACFiles, err = stac.UpdateAll(root, cogs)
	if err != nil {
		return res, err
	}

	if req.NoUpload {
		logging.Mosaic("Upload disabled, products kept in %s", cogs)
		if req.NotifyVDM {
			logging.MosaicWarn("VDM notification skipped, the products of %s were not uploaded", req.Tile)
		}
		return res, nil
	}

	res.Uploaded, err = m.prd.Upload(ctx, cogs, string(req.Production))
	if err != nil {
		return res, fmt.Errorf("failed to upload products: %w", err)
	}
	logging.Mosaic("Uploaded %s to %s", cogs, req.Production)
	m.reporter.Uploaded(res.Uploaded.Count, res.Uploaded.Dir)

	if req.UploadLogs {
		for _, dir := range []string{workspace.ExitLogsDir, workspace.ProcLogsDir} {
			if _, err := m.prd.Upload(ctx, ws.Path(dir), path.Join(string(req.Production), dir)); err != nil {
				return res, fmt.Errorf("failed to upload %s: %w", dir, err)
			}
		}
	}

	if req.NotifyVDM {
		res.Ingested = m.notify(ctx, req, res)
	}
	return res, nil
}

func (m *Mosaicker) notify(ctx context.Context, req Request, res *Result) int {
	if m.vdm == nil || len(res.STACFiles) == 0 {
		logging.MosaicWarn("No STAC files were found to start ingestion")
		return 0
	}
	logging.Mosaic("Notifying the VDM of new products to ingest")
	ok := 0
	for _, f := range res.STACFiles {
		if m.vdm.Notify(ctx, f) {
			ok++
			continue
		}
		logging.MosaicError("VDM ingestion error for tile: %q (%s)", req.Tile, res.ProductDir)
	}
	return ok
}
