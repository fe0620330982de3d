package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // console, json
	File       string          `yaml:"file"`       // optional copy of every line
	Categories map[string]bool `yaml:"categories"` // false disables a category
}
