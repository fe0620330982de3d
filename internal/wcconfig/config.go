// Package wcconfig builds the JSON configuration consumed by the external
// WorldCereal classifier: processing parameters, input collections and the
// model locations for the selected detector and season.
package wcconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
)

// Input collection keys.
const (
	InputOptical = "OPTICAL"
	InputSAR     = "SAR"
	InputTIR     = "TIR"
	InputDEM     = "DEM"
	InputMeteo   = "METEO"
)

const modelType = "WorldCerealPixelCatBoost"

// Config is the classifier configuration document.
type Config struct {
	Parameters Parameters        `json:"parameters"`
	Inputs     Inputs            `json:"inputs"`
	Models     map[string]string `json:"models"`
}

// FilterSettings configures the post-classification majority filter.
type FilterSettings struct {
	KernelSize    int     `json:"kernelsize"`
	ConfThreshold float64 `json:"conf_threshold"`
}

// Parameters is the "parameters" section.
type Parameters struct {
	Year              int            `json:"year"`
	Season            ewoc.Season    `json:"season"`
	FeatureSettings   ewoc.Detector  `json:"featuresettings"`
	SaveConfidence    bool           `json:"save_confidence"`
	SaveFeatures      bool           `json:"save_features"`
	LocalModels       bool           `json:"localmodels"`
	Segment           bool           `json:"segment"`
	DecisionThreshold float64        `json:"decision_threshold"`
	FilterSettings    FilterSettings `json:"filtersettings"`

	FeaturesDir         string `json:"features_dir,omitempty"`
	UseExistingFeatures *bool  `json:"use_existing_features,omitempty"`

	// Croptype only
	ActiveMarker  *bool             `json:"active_marker,omitempty"`
	CroplandMask  string            `json:"cropland_mask,omitempty"`
	Irrigation    *bool             `json:"irrigation,omitempty"`
	IrrParameters string            `json:"irrparameters,omitempty"`
	IrrModels     map[string]string `json:"irrmodels,omitempty"`
}

// Inputs is the "inputs" section: collection CSVs and the DEM location.
type Inputs struct {
	Optical string `json:"OPTICAL"`
	SAR     string `json:"SAR"`
	TIR     string `json:"TIR,omitempty"`
	DEM     string `json:"DEM"`
	Meteo   string `json:"METEO"`
}

// Options drives Generate.
type Options struct {
	Detector   ewoc.Detector
	Year       int
	Season     ewoc.Season
	Production ewoc.ProductionID

	CroplandModel string
	CroptypeModel string
	IrrModel      string

	Inputs Inputs

	// FeaturesDir receives the per-block features.
	FeaturesDir         string
	UseExistingFeatures bool

	// NoTIR drops irrigation: the TIR collection is empty.
	NoTIR bool

	// ModelPrefix is the worldcereal root holding models/ (local mirror or
	// artifactory).
	ModelPrefix string

	// PrdBucket hosts the cropland masks used by croptype runs.
	PrdBucket string
}

func boolPtr(b bool) *bool { return &b }

// AddCroptype reports whether the extra sunflower and rapeseed detectors
// are enabled for an end-of-season year.
func AddCroptype(year int) bool { return year == ewoc.AddCroptypeYear }

func modelURL(prefix, version, detector, suffix string) string {
	return fmt.Sprintf("%s/models/%s/%s/%s_detector_%s_%s%s",
		strings.TrimSuffix(prefix, "/"), modelType, version, detector, modelType, version, suffix)
}

// Generate builds the classifier configuration.
func Generate(opts Options) (*Config, error) {
	params := Parameters{
		Year:              opts.Year,
		Season:            opts.Season,
		FeatureSettings:   opts.Detector,
		SaveConfidence:    true,
		SaveFeatures:      false,
		LocalModels:       true,
		Segment:           false,
		DecisionThreshold: 0.7,
		FilterSettings:    FilterSettings{KernelSize: 3, ConfThreshold: 0.85},
	}
	log := logging.Get(logging.CategoryClassif)
	log.Info("Using model from %s", opts.ModelPrefix)

	switch opts.Detector {
	case ewoc.DetectorCropland:
		params.LocalModels = false
		params.SaveFeatures = true
		params.FeaturesDir = opts.FeaturesDir
		params.UseExistingFeatures = boolPtr(opts.UseExistingFeatures)
		log.Info("[%s] - Using model version: %s", opts.Detector, opts.CroplandModel)
		return &Config{
			Parameters: params,
			Inputs:     opts.Inputs,
			Models: map[string]string{
				"annualcropland": modelURL(opts.ModelPrefix, opts.CroplandModel, "cropland", "-realms"),
			},
		}, nil

	case ewoc.DetectorCroptype:
		params.FilterSettings = FilterSettings{KernelSize: 7, ConfThreshold: 0.75}
		params.SaveFeatures = true
		params.FeaturesDir = opts.FeaturesDir
		params.UseExistingFeatures = boolPtr(opts.UseExistingFeatures)
		params.ActiveMarker = boolPtr(true)
		params.CroplandMask = fmt.Sprintf("s3://%s/%s", opts.PrdBucket, opts.Production)
		if opts.NoTIR {
			params.Irrigation = boolPtr(false)
		} else {
			params.Irrigation = boolPtr(true)
			params.IrrParameters = "irrigation"
			params.IrrModels = map[string]string{
				"irrigation": modelURL(opts.ModelPrefix, opts.IrrModel, "irrigation", "/config.json"),
			}
			log.Info("[%s] - Using Irrigation model version: %s", opts.Detector, opts.IrrModel)
		}

		models, err := croptypeModels(opts)
		if err != nil {
			return nil, err
		}
		log.Info("[%s] - Using model version: %s", opts.Season, opts.CroptypeModel)
		return &Config{Parameters: params, Inputs: opts.Inputs, Models: models}, nil

	default:
		return nil, fmt.Errorf("%w: %q not accepted", ewoc.ErrInvalidDetector, opts.Detector)
	}
}

func croptypeModels(opts Options) (map[string]string, error) {
	croptypes := map[ewoc.Season][]string{
		ewoc.SeasonSummer1: {"maize", "springcereals"},
		ewoc.SeasonSummer2: {"maize"},
		ewoc.SeasonWinter:  {"wintercereals"},
	}
	extra := map[ewoc.Season]string{
		ewoc.SeasonSummer1: "sunflower",
		ewoc.SeasonWinter:  "rapeseed",
	}

	names, ok := croptypes[opts.Season]
	if !ok {
		return nil, fmt.Errorf("%w: croptype detection has no models for season %q", ewoc.ErrInvalidSeason, opts.Season)
	}
	if name, ok := extra[opts.Season]; ok && AddCroptype(opts.Year) {
		logging.Classif("Add additional croptype %s", name)
		names = append(names, name)
	}

	models := make(map[string]string, len(names))
	for _, name := range names {
		models[name] = modelURL(opts.ModelPrefix, opts.CroptypeModel, name, "/config.json")
	}
	return models, nil
}

// ApplyDataFolder points the DEM input (and for croptype the cropland mask)
// at a local data folder instead of the buckets.
func ApplyDataFolder(cfg *Config, detector ewoc.Detector, folder string) {
	oldDEM := cfg.Inputs.DEM
	cfg.Inputs.DEM = localise(oldDEM, folder)
	logging.Classif("Updated CopDEM path from %s to %s", oldDEM, cfg.Inputs.DEM)

	if detector == ewoc.DetectorCroptype && cfg.Parameters.CroplandMask != "" {
		oldMask := cfg.Parameters.CroplandMask
		cfg.Parameters.CroplandMask = filepath.Join(folder, path.Base(oldMask))
		logging.Classif("Updated cropland mask path from %s to %s", oldMask, cfg.Parameters.CroplandMask)
	}
}

// localise replaces the s3://<bucket> head of uri with folder.
func localise(uri, folder string) string {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return uri
	}
	_, key, _ := strings.Cut(rest, "/")
	return filepath.Join(folder, key)
}

// Write stores cfg as indented JSON.
func Write(p string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal classifier config: %w", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("failed to write classifier config: %w", err)
	}
	return nil
}

// Read loads a classifier configuration written by Write.
func Read(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse classifier config %s: %w", p, err)
	}
	return &cfg, nil
}

// ProductDir is the year_season folder name used for blocks and COGs.
func (c *Config) ProductDir() string {
	return fmt.Sprintf("%d_%s", c.Parameters.Year, c.Parameters.Season)
}
