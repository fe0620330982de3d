// Package classif orchestrates the classification of one tile: input
// collection, classifier configuration, block by block processing with
// upload of the results, the optional in-process mosaic, and cleanup.
package classif

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"ewocclassif/internal/bucket"
	"ewocclassif/internal/classifier"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/config"
	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/mosaic"
	"ewocclassif/internal/runstore"
	"ewocclassif/internal/workspace"
)

// ErrBlocksFailed is returned when at least one block could not be
// classified.
var ErrBlocksFailed = errors.New("block processing failed")

// ErrNoLedger is returned when a resume is requested without a run ledger.
var ErrNoLedger = errors.New("resume requires a run ledger (state.db_path)")

// Ledger records block outcomes. *runstore.Store implements it.
type Ledger interface {
	Record(run runstore.BlockRun) error
	Done(tile ewoc.TileID, production ewoc.ProductionID) ([]int, error)
}

// Deps are the collaborators of a Processor. Ledger and VDM are optional.
type Deps struct {
	Config     *config.Config
	ARD        *bucket.ARDBucket
	Aux        *bucket.AuxBucket
	Prd        *bucket.PrdBucket
	Classifier classifier.Runner
	Reporter   *cli.Reporter
	Ledger     Ledger
	VDM        mosaic.Notifier
}

// Processor runs classifications.
type Processor struct {
	cfg        *config.Config
	ard        *bucket.ARDBucket
	aux        *bucket.AuxBucket
	prd        *bucket.PrdBucket
	classifier classifier.Runner
	reporter   *cli.Reporter
	ledger     Ledger
	mosaic     *mosaic.Mosaicker
}

// New returns a Processor.
func New(d Deps) *Processor {
	return &Processor{
		cfg:        d.Config,
		ard:        d.ARD,
		aux:        d.Aux,
		prd:        d.Prd,
		classifier: d.Classifier,
		reporter:   d.Reporter,
		ledger:     d.Ledger,
		mosaic:     mosaic.New(d.Prd, d.Classifier, d.Reporter, d.VDM),
	}
}

// Request is one ewoc_classif invocation.
type Request struct {
	Tile       ewoc.TileID
	Production ewoc.ProductionID
	Params     cli.ProcessingFlags

	// BlockIDs lists the blocks to process; nil means every block.
	BlockIDs []int
	// UploadBlock uploads every block as it is produced. When false the
	// blocks stay local and are mosaicked at the end of the run.
	UploadBlock bool
	// Postprocess only mosaics the blocks already in the product bucket.
	Postprocess bool
	// Resume skips the blocks the ledger records as done.
	Resume bool
}

// Summary counts block outcomes.
type Summary struct {
	Done     int
	Skipped  int
	Failed   int
	Resumed  int
	Uploaded int
}

// Run classifies the requested blocks of a tile.
func (p *Processor) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.Resume && !req.Postprocess && p.ledger == nil {
		return nil, ErrNoLedger
	}

	timer := logging.StartTimer(logging.CategoryClassif, "classification of "+string(req.Tile))
	defer timer.StopWithInfo()

	pr, err := p.prepare(ctx, req.Tile, req.Production, req.Params)
	defer p.cleanup(pr, req.Tile, req.Params.NoClean)
	if err != nil {
		return nil, err
	}

	if req.Postprocess {
		_, err := p.mosaic.Run(ctx, mosaic.Request{
			Tile:           req.Tile,
			Production:     req.Production,
			ConfigPath:     pr.configPath,
			WorkDir:        pr.ws.Dir,
			DownloadBlocks: true,
			Timeout:        p.cfg.GetMosaicTimeout(),
		})
		return &Summary{}, err
	}

	ids, resumed, err := p.blockIDs(req)
	if err != nil {
		return nil, err
	}

	logging.Classif("Run inference")
	sum := &Summary{Resumed: resumed}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		p.processBlock(ctx, pr, req, id, sum)
	}
	logging.Classif("Processed %d blocks (done %d, skipped %d, failed %d)", len(ids), sum.Done, sum.Skipped, sum.Failed)

	var errs []error
	if sum.Failed > 0 {
		errs = append(errs, fmt.Errorf("%w: %d of %d blocks", ErrBlocksFailed, sum.Failed, len(ids)))
	}

	if !req.UploadBlock {
		logging.Classif("Start cog mosaic")
		_, err := p.mosaic.Run(ctx, mosaic.Request{
			Tile:       req.Tile,
			Production: req.Production,
			ConfigPath: pr.configPath,
			WorkDir:    pr.ws.Dir,
			UploadLogs: true,
			Timeout:    p.cfg.GetMosaicTimeout(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("mosaic failed: %w", err))
		}
	}
	return sum, errors.Join(errs...)
}

// blockIDs resolves the blocks to process, minus the ones already done when
// resuming. It also returns how many blocks the ledger let it skip.
func (p *Processor) blockIDs(req Request) ([]int, int, error) {
	ids := req.BlockIDs
	if ids == nil {
		all, err := ewoc.AllBlocks(p.cfg.Blocks.Size)
		if err != nil {
			return nil, 0, err
		}
		ids = all
		logging.Classif("Processing %d blocks", len(ids))
	} else {
		logging.Classif("Processing custom ids from CLI %v", ids)
	}

	if !req.Resume {
		return ids, 0, nil
	}
	done, err := p.ledger.Done(req.Tile, req.Production)
	if err != nil {
		return nil, 0, err
	}
	skip := make(map[int]bool, len(done))
	for _, id := range done {
		skip[id] = true
	}
	todo := make([]int, 0, len(ids))
	for _, id := range ids {
		if skip[id] {
			logging.ClassifDebug("[%d] Already processed, skipping", id)
			continue
		}
		todo = append(todo, id)
	}
	logging.Classif("Resuming: %d of %d blocks already processed", len(ids)-len(todo), len(ids))
	return todo, len(ids) - len(todo), nil
}

// processBlock runs the classifier on one block and publishes its output.
// Failures are logged and counted; they never stop the other blocks.
func (p *Processor) processBlock(ctx context.Context, pr *prepared, req Request, id int, sum *Summary) {
	log := logging.Get(logging.CategoryClassif).With("block", id)
	log.Info("[%d] Start processing", id)
	start := time.Now()

	run := runstore.BlockRun{Tile: req.Tile, Production: req.Production, Block: id}
	defer func() {
		run.Duration = time.Since(start)
		// Blocks kept local for the mosaic are lost with the work dir, so
		// only uploaded runs are worth resuming from.
		if p.ledger == nil || !req.UploadBlock {
			return
		}
		if err := p.ledger.Record(run); err != nil {
			log.Warn("Failed to record block %d: %v", id, err)
		}
	}()

	block := id
	res, err := p.classifier.Run(ctx, classifier.Request{
		Tile:       req.Tile,
		ConfigPath: pr.configPath,
		OutDir:     pr.ws.Dir,
		Mode:       classifier.ModeProcess,
		Block:      &block,
		Timeout:    p.cfg.GetBlockTimeout(),
	})
	if err != nil {
		log.Error("failed for block %d: %v", id, err)
		run.Status, run.ExitCode = runstore.StatusFailed, -1
		sum.Failed++
		return
	}
	run.ExitCode = res.ExitCode

	blocksDir := pr.ws.Path(workspace.BlocksDir)
	switch res.Outcome {
	case classifier.OutcomeDone:
		log.Info("Block finished with code %d", res.ExitCode)
		if !req.UploadBlock {
			run.Status = runstore.StatusDone
			sum.Done++
			return
		}
		n, err := p.uploadBlock(ctx, pr.ws, req.Production, id)
		if err != nil {
			log.Error("failed for block %d: %v", id, err)
			run.Status = runstore.StatusFailed
			sum.Failed++
			return
		}
		run.Status, run.Uploaded = runstore.StatusDone, n
		sum.Done++
		sum.Uploaded += n

	case classifier.OutcomeSkipped:
		log.Info("Skipped block, return code: %d", res.ExitCode)
		if err := os.RemoveAll(blocksDir); err != nil {
			log.Warn("Could not remove %s: %v", blocksDir, err)
		}
		p.reporter.Skipped()
		run.Status = runstore.StatusSkipped
		sum.Skipped++

	default:
		log.Error("failed for block %d (exit code %d, %s)\n%s", id, res.ExitCode, failureReason(res), res.Tail(20))
		run.Status = runstore.StatusFailed
		sum.Failed++
	}
}

func failureReason(res *classifier.Result) string {
	switch {
	case res.Killed:
		return res.KillReason
	case res.Error != "":
		return res.Error
	default:
		return "classifier error"
	}
}

// uploadBlock pushes blocks/, exitlogs/ and proclogs/ concurrently, removes
// the local blocks and reports the blocks upload.
func (p *Processor) uploadBlock(ctx context.Context, ws *workspace.Workspace, pid ewoc.ProductionID, id int) (int, error) {
	logging.Classif("Pushing block id %d to S3", id)

	var blocks bucket.UploadResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		blocks, err = p.prd.Upload(gctx, ws.Path(workspace.BlocksDir), path.Join(string(pid), workspace.BlocksDir))
		return err
	})
	for _, dir := range []string{workspace.ExitLogsDir, workspace.ProcLogsDir} {
		g.Go(func() error {
			_, err := p.prd.Upload(gctx, ws.Path(dir), path.Join(string(pid), dir))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to upload block %d: %w", id, err)
	}

	if err := os.RemoveAll(ws.Path(workspace.BlocksDir)); err != nil {
		return blocks.Count, fmt.Errorf("failed to remove local blocks: %w", err)
	}
	p.reporter.Uploaded(blocks.Count, blocks.Dir)
	return blocks.Count, nil
}
