package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"ewocclassif/internal/ewoc"
)

// seasonValue is a pflag.Value restricted to the supported seasons.
type seasonValue struct{ p *ewoc.Season }

func (v seasonValue) String() string { return string(*v.p) }
func (v seasonValue) Type() string   { return "season" }
func (v seasonValue) Set(s string) error {
	season, err := ewoc.ParseSeason(s)
	if err != nil {
		return err
	}
	*v.p = season
	return nil
}

// detectorValue is a pflag.Value restricted to the supported detectors.
type detectorValue struct{ p *ewoc.Detector }

func (v detectorValue) String() string { return string(*v.p) }
func (v detectorValue) Type() string   { return "detector" }
func (v detectorValue) Set(s string) error {
	d, err := ewoc.ParseDetector(s)
	if err != nil {
		return err
	}
	*v.p = d
	return nil
}

// yearValue is a pflag.Value accepting a YYYY year.
type yearValue struct{ p *int }

func (v yearValue) String() string { return strconv.Itoa(*v.p) }
func (v yearValue) Type() string   { return "YYYY" }
func (v yearValue) Set(s string) error {
	y, err := ewoc.ParseYear(s)
	if err != nil {
		return err
	}
	*v.p = y
	return nil
}

// ProcessingFlags are the inputs shared by ewoc_classif and
// ewoc_generate_prd.
type ProcessingFlags struct {
	OpticalCSV string
	SARCSV     string
	TIRCSV     string
	AgERA5CSV  string
	DataFolder string

	Detector ewoc.Detector
	Year     int
	Season   ewoc.Season

	CroplandModel string
	CroptypeModel string
	IrrModel      string

	OutDir  string
	NoClean bool
}

// Register declares the flags on fs with their defaults.
func (p *ProcessingFlags) Register(fs *pflag.FlagSet) {
	p.Detector = ewoc.DetectorCropland
	p.Year = ewoc.DefaultEndSeasonYear
	p.Season = ewoc.SeasonAnnual

	fs.StringVar(&p.OpticalCSV, "optical-csv", "", "List of OPTICAL products for a given S2 tile")
	fs.StringVar(&p.SARCSV, "sar-csv", "", "List of SAR products for a given S2 tile")
	fs.StringVar(&p.TIRCSV, "tir-csv", "", "List of TIR products for a given S2 tile")
	fs.StringVar(&p.AgERA5CSV, "agera5-csv", "", "Agera5 list")
	fs.StringVar(&p.DataFolder, "data-folder", "", "Folder with CopDEM and/or cropland data")
	fs.Var(detectorValue{&p.Detector}, "ewoc-detector", "EWoC detector (cropland, croptype)")
	fs.Var(yearValue{&p.Year}, "end-season-year", "End of season year")
	fs.Var(seasonValue{&p.Season}, "ewoc-season", "EWoC season ("+ewoc.SeasonNames()+")")
	fs.StringVar(&p.CroplandModel, "cropland-model-version", ewoc.DefaultCroplandModelVersion, "Cropland model version")
	fs.StringVar(&p.CroptypeModel, "croptype-model-version", ewoc.DefaultCroptypeModelVersion, "Croptype model version")
	fs.StringVar(&p.IrrModel, "irr-model-version", ewoc.DefaultIrrigationModelVersion, "Irrigation model version")
	fs.StringVarP(&p.OutDir, "out-dirpath", "o", os.TempDir(), "Output directory")
	fs.BoolVar(&p.NoClean, "no-clean", false, "Keep the working directory")
}

// Target is the validated pair of positional arguments.
type Target struct {
	Tile       ewoc.TileID
	Production ewoc.ProductionID
}

// ParseTarget validates the tile_id and production_id positionals.
func ParseTarget(tile, production string) (Target, error) {
	t, err := ewoc.ParseTileID(tile)
	if err != nil {
		return Target{}, Usage(err)
	}
	p, err := ewoc.ParseProductionID(production)
	if err != nil {
		return Target{}, Usage(err)
	}
	return Target{Tile: t, Production: p}, nil
}

// SplitArgs separates the positionals from block ids given after a
// greedy --block-ids flag ("--block-ids 1 2 3 31TCJ pid"). Integer
// arguments are block ids when greedy is true; otherwise every argument is a
// positional. Exactly want positionals are required.
func SplitArgs(args []string, greedy bool, want int) (positionals []string, extraIDs []int, err error) {
	for _, a := range args {
		if greedy {
			if id, convErr := strconv.Atoi(a); convErr == nil {
				if id < 0 {
					return nil, nil, Usagef("invalid block id %d: must not be negative", id)
				}
				extraIDs = append(extraIDs, id)
				continue
			}
		}
		positionals = append(positionals, a)
	}
	if len(positionals) != want {
		return nil, nil, Usagef("expected %d positional arguments, got %d: %v", want, len(positionals), positionals)
	}
	return positionals, extraIDs, nil
}

// BlockIDs merges the --block-ids values with the extra ids collected by
// SplitArgs. A nil result means every block of the tile.
func BlockIDs(flagIDs []int, changed bool, extra []int) ([]int, error) {
	if !changed {
		return nil, nil
	}
	ids := make([]int, 0, len(flagIDs)+len(extra))
	for _, id := range append(append([]int{}, flagIDs...), extra...) {
		if id < 0 {
			return nil, Usagef("invalid block id %d: must not be negative", id)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, Usagef("--block-ids needs at least one id")
	}
	return ids, nil
}

// VersionString renders "<name> <version>".
func VersionString(name string) string {
	return fmt.Sprintf("%s %s", name, Version)
}
