package classif

import (
	"context"

	"ewocclassif/internal/cli"
	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/mosaic"
)

// ProductsRequest is one ewoc_generate_prd invocation.
type ProductsRequest struct {
	Tile       ewoc.TileID
	Production ewoc.ProductionID
	Params     cli.ProcessingFlags

	NoUpload  bool
	NotifyVDM bool
}

// Products mosaics the blocks of a tile stored in the product bucket into
// the final products and publishes them.
func (p *Processor) Products(ctx context.Context, req ProductsRequest) (*mosaic.Result, error) {
	pr, err := p.prepare(ctx, req.Tile, req.Production, req.Params)
	defer p.cleanup(pr, req.Tile, req.Params.NoClean)
	if err != nil {
		return nil, err
	}

	res, err := p.mosaic.Run(ctx, mosaic.Request{
		Tile:           req.Tile,
		Production:     req.Production,
		ConfigPath:     pr.configPath,
		WorkDir:        pr.ws.Dir,
		DownloadBlocks: true,
		NoUpload:       req.NoUpload,
		NotifyVDM:      req.NotifyVDM,
		Timeout:        p.cfg.GetMosaicTimeout(),
	})
	if err != nil {
		logging.ClassifError("Mosaic failed: %v", err)
		return res, err
	}
	return res, nil
}
