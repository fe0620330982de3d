package bucket

import (
	"context"
	"path"
	"strings"
	"time"

	"ewocclassif/internal/logging"
	"ewocclassif/internal/satio"
)

const agera5Prefix = "AgERA5/"

// AuxBucket holds the auxiliary data: AgERA5 meteo and the Copernicus DEM.
type AuxBucket struct {
	store Store
	name  string
}

// NewAuxBucket wraps the auxiliary data bucket called name.
func NewAuxBucket(store Store, name string) *AuxBucket {
	return &AuxBucket{store: store, name: name}
}

// DEMURI is the Copernicus DEM collection location.
func (b *AuxBucket) DEMURI() string { return URI(b.name, "CopDEM_20m") }

// AgERA5Records lists the AgERA5/<YYYY>/<YYYYMMDD>/ daily folders.
func (b *AuxBucket) AgERA5Records(ctx context.Context) ([]satio.Record, error) {
	years, err := b.store.List(ctx, b.name, agera5Prefix, false)
	if err != nil {
		return nil, err
	}

	var records []satio.Record
	for _, y := range years {
		if !y.IsDir() {
			continue
		}
		days, err := b.store.List(ctx, b.name, y.Key, false)
		if err != nil {
			return nil, err
		}
		for _, d := range days {
			if !d.IsDir() {
				continue
			}
			name := path.Base(strings.TrimSuffix(d.Key, "/"))
			date, err := time.Parse("20060102", name)
			if err != nil {
				logging.BucketDebug("Skipping %s: not a daily folder", d.Key)
				continue
			}
			records = append(records, satio.Record{
				Date:  date,
				Tile:  "global",
				Level: "DAILY",
				Path:  URI(b.name, d.Key),
			})
		}
	}
	satio.Sort(records)
	logging.Bucket("Found %d AgERA5 days in %s", len(records), URI(b.name, agera5Prefix))
	return records, nil
}

// WriteAgERA5CSV writes the AgERA5 satio collection to file.
func (b *AuxBucket) WriteAgERA5CSV(ctx context.Context, file string) error {
	records, err := b.AgERA5Records(ctx)
	if err != nil {
		return err
	}
	return satio.Write(file, records)
}
