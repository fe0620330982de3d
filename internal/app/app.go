// Package app wires the EWoC commands: configuration loading, logger setup
// and construction of the processing dependencies.
package app

import (
	"fmt"
	"io"

	"ewocclassif/internal/bucket"
	"ewocclassif/internal/classif"
	"ewocclassif/internal/classifier"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/config"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/runstore"
	"ewocclassif/internal/vdm"
)

// Options are the settings every command shares.
type Options struct {
	ConfigPath string
	Verbosity  int
	// Stderr receives the log lines.
	Stderr io.Writer
}

// Boot loads the configuration and initialises logging. Command line
// verbosity wins over the configured level.
func Boot(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, cli.Failure(err)
	}

	level := cfg.Logging.Level
	if opts.Verbosity > 0 || level == "" {
		level = logging.LevelFromVerbosity(opts.Verbosity)
	}
	if err := logging.Initialize(logging.Options{
		Level:      level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		Categories: cfg.Logging.Categories,
		Output:     opts.Stderr,
	}); err != nil {
		return nil, cli.Failure(fmt.Errorf("failed to initialize logging: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Failure(err)
	}
	logging.BootDebug("Configuration loaded (provider %s, dev mode %t)", cfg.S3.Provider, cfg.DevMode)
	return cfg, nil
}

// Factory builds the external collaborators. Tests swap it for in-memory
// ones.
type Factory struct {
	Store  func(cfg *config.Config) (bucket.Store, error)
	Runner func(cfg *config.Config) classifier.Runner
}

// DefaultFactory talks to S3 and runs the real classifier.
var DefaultFactory = Factory{
	Store: func(cfg *config.Config) (bucket.Store, error) {
		return bucket.NewMinioStore(cfg)
	},
	Runner: func(cfg *config.Config) classifier.Runner {
		return classifier.NewExecutor(classifier.OptionsFromConfig(cfg))
	},
}

// Env is a ready to use processor and what must be released after it.
type Env struct {
	Processor *classif.Processor
	Ledger    *runstore.Store
	Prd       *bucket.PrdBucket
}

// Close releases the ledger.
func (e *Env) Close() error {
	if e == nil || e.Ledger == nil {
		return nil
	}
	return e.Ledger.Close()
}

// NewEnv builds the processor. The ledger is opened when state.db_path is
// set.
func (f Factory) NewEnv(cfg *config.Config, reporter *cli.Reporter) (*Env, error) {
	store, err := f.Store(cfg)
	if err != nil {
		return nil, cli.Failure(err)
	}

	env := &Env{Prd: bucket.NewPrdBucket(store, cfg.PrdBucket(), cfg.S3.Concurrency)}
	deps := classif.Deps{
		Config:     cfg,
		ARD:        bucket.NewARDBucket(store, cfg.ARDBucket()),
		Aux:        bucket.NewAuxBucket(store, cfg.AuxBucket()),
		Prd:        env.Prd,
		Classifier: f.Runner(cfg),
		Reporter:   reporter,
		VDM:        vdm.NewClientFromConfig(cfg),
	}

	if cfg.State.DBPath != "" {
		ledger, err := runstore.Open(cfg.State.DBPath)
		if err != nil {
			return nil, cli.Failure(err)
		}
		env.Ledger = ledger
		deps.Ledger = ledger
	}

	env.Processor = classif.New(deps)
	return env, nil
}
