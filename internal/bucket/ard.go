package bucket

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/satio"
)

// Sensor is an ARD sensor folder.
type Sensor string

const (
	SensorOptical Sensor = "OPTICAL"
	SensorSAR     Sensor = "SAR"
	SensorTIR     Sensor = "TIR"
)

// Level returns the processing level written in satio records.
func (s Sensor) Level() string {
	switch s {
	case SensorOptical:
		return "L2A"
	case SensorSAR:
		return "SIGMA0"
	case SensorTIR:
		return "L2SP"
	default:
		return ""
	}
}

var digitRun = regexp.MustCompile(`[0-9]+`)

// ProductDate extracts the acquisition date from a product name: the first
// standalone 8 digit run that is a valid YYYYMMDD date.
func ProductDate(name string) (time.Time, error) {
	for _, run := range digitRun.FindAllString(name, -1) {
		if len(run) != 8 {
			continue
		}
		if d, err := time.Parse("20060102", run); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("no acquisition date in product name %q", name)
}

// ARDBucket lists the analysis ready data of a production.
type ARDBucket struct {
	store Store
	name  string
}

// NewARDBucket wraps the ARD bucket called name.
func NewARDBucket(store Store, name string) *ARDBucket {
	return &ARDBucket{store: store, name: name}
}

// Name returns the bucket name.
func (b *ARDBucket) Name() string { return b.name }

// TilePrefix returns <pid>/<SENSOR>/<zone>/<band>/<square>/.
func TilePrefix(pid ewoc.ProductionID, sensor Sensor, tile ewoc.TileID) string {
	return path.Join(string(pid), string(sensor), tile.Zone(), tile.Band(), tile.Square()) + "/"
}

// Records lists the products of one sensor for a tile as satio records,
// sorted by date. Products whose name carries no date are skipped.
func (b *ARDBucket) Records(ctx context.Context, pid ewoc.ProductionID, sensor Sensor, tile ewoc.TileID) ([]satio.Record, error) {
	prefix := TilePrefix(pid, sensor, tile)
	entries, err := b.store.List(ctx, b.name, prefix, false)
	if err != nil {
		return nil, err
	}

	var records []satio.Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		product := path.Base(strings.TrimSuffix(e.Key, "/"))
		date, err := ProductDate(product)
		if err != nil {
			logging.BucketWarn("Skipping %s: %v", e.Key, err)
			continue
		}
		records = append(records, satio.Record{
			Date:  date,
			Tile:  tile.String(),
			Level: sensor.Level(),
			Path:  URI(b.name, e.Key),
		})
	}
	satio.Sort(records)
	logging.Bucket("Found %d %s products for %s in %s", len(records), sensor, tile, URI(b.name, prefix))
	return records, nil
}

// WriteSatioCSV lists a sensor and writes its satio collection to file.
func (b *ARDBucket) WriteSatioCSV(ctx context.Context, pid ewoc.ProductionID, sensor Sensor, tile ewoc.TileID, file string) error {
	records, err := b.Records(ctx, pid, sensor, tile)
	if err != nil {
		return err
	}
	return satio.Write(file, records)
}
