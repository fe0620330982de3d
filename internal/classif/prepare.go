package classif

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ewocclassif/internal/bucket"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/satio"
	"ewocclassif/internal/wcconfig"
	"ewocclassif/internal/workspace"
)

// Satio CSV kinds, used in the generated file names.
const (
	kindOptical = "optical"
	kindSAR     = "sar"
	kindTIR     = "tir"
	kindAgERA5  = "agera5"
)

// prepared is a work dir holding the classifier configuration.
type prepared struct {
	ws         *workspace.Workspace
	configPath string
	noTIR      bool
}

// collectInputs returns the satio CSV of every collection, generating the
// ones not given on the command line from the buckets concurrently.
func (p *Processor) collectInputs(ctx context.Context, ws *workspace.Workspace, tile ewoc.TileID, pid ewoc.ProductionID, params cli.ProcessingFlags) (wcconfig.Inputs, error) {
	in := wcconfig.Inputs{
		Optical: params.OpticalCSV,
		SAR:     params.SARCSV,
		TIR:     params.TIRCSV,
		Meteo:   params.AgERA5CSV,
		DEM:     p.aux.DEMURI(),
	}

	g, gctx := errgroup.WithContext(ctx)
	ard := func(dst *string, sensor bucket.Sensor, kind string) {
		if *dst != "" {
			return
		}
		*dst = ws.CSVPath(kind)
		file := *dst
		g.Go(func() error {
			return p.ard.WriteSatioCSV(gctx, pid, sensor, tile, file)
		})
	}
	ard(&in.Optical, bucket.SensorOptical, kindOptical)
	ard(&in.SAR, bucket.SensorSAR, kindSAR)
	ard(&in.TIR, bucket.SensorTIR, kindTIR)
	if in.Meteo == "" {
		in.Meteo = ws.CSVPath(kindAgERA5)
		file := in.Meteo
		g.Go(func() error {
			return p.aux.WriteAgERA5CSV(gctx, file)
		})
	}

	if err := g.Wait(); err != nil {
		return in, fmt.Errorf("failed to generate satio CSV files: %w", err)
	}
	return in, nil
}

// prepare creates the work dir, the input CSVs and the classifier
// configuration.
func (p *Processor) prepare(ctx context.Context, tile ewoc.TileID, pid ewoc.ProductionID, params cli.ProcessingFlags) (*prepared, error) {
	ws, err := workspace.New(tile, params.OutDir)
	if err != nil {
		return nil, err
	}
	pr := &prepared{ws: ws, configPath: ws.ConfigPath()}

	inputs, err := p.collectInputs(ctx, ws, tile, pid, params)
	if err != nil {
		return pr, err
	}
	if satio.TooSparse(inputs.TIR) {
		logging.ClassifWarn("TIR ARD is empty for the tile %s => No irrigation computed!", tile)
		inputs.TIR = ""
		pr.noTIR = true
	}

	if wcconfig.AddCroptype(params.Year) {
		logging.Classif("Add additional croptype")
	}
	cfg, err := wcconfig.Generate(wcconfig.Options{
		Detector:      params.Detector,
		Year:          params.Year,
		Season:        params.Season,
		Production:    pid,
		CroplandModel: params.CroplandModel,
		CroptypeModel: params.CroptypeModel,
		IrrModel:      params.IrrModel,
		Inputs:        inputs,
		FeaturesDir:   ws.FeaturesDir(),
		NoTIR:         pr.noTIR,
		ModelPrefix:   p.cfg.ModelPrefix(),
		PrdBucket:     p.prd.Name(),
	})
	if err != nil {
		return pr, err
	}
	if params.DataFolder != "" {
		wcconfig.ApplyDataFolder(cfg, params.Detector, params.DataFolder)
	}
	if err := wcconfig.Write(pr.configPath, cfg); err != nil {
		return pr, err
	}
	logging.Classif("Classifier configuration written to %s", pr.configPath)
	return pr, nil
}

// cleanup removes the work dir unless asked to keep it.
func (p *Processor) cleanup(pr *prepared, tile ewoc.TileID, keep bool) {
	if pr == nil || pr.ws == nil {
		return
	}
	if keep {
		logging.Classif("Keeping the output folder %s", pr.ws.Dir)
		return
	}
	if err := pr.ws.Cleanup(tile); err != nil {
		logging.ClassifWarn("Cleanup of %s incomplete: %v", pr.ws.Dir, err)
	}
}
