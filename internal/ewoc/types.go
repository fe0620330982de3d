// Package ewoc holds the vocabulary shared by every EWoC classification
// component: detectors, seasons, tile and production identifiers, and the
// default model versions.
package ewoc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Detector selects the classifier feature settings.
type Detector string

const (
	DetectorCropland Detector = "cropland"
	DetectorCroptype Detector = "croptype"
)

// Detectors lists the accepted --ewoc-detector values.
var Detectors = []Detector{DetectorCropland, DetectorCroptype}

// ParseDetector validates a detector name.
func ParseDetector(s string) (Detector, error) {
	for _, d := range Detectors {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q (valid: %s)", ErrInvalidDetector, s, joinDetectors())
}

func joinDetectors() string {
	names := make([]string, len(Detectors))
	for i, d := range Detectors {
		names[i] = string(d)
	}
	return strings.Join(names, ", ")
}

// Season is a WorldCereal processing season.
type Season string

const (
	SeasonWinter  Season = "winter"
	SeasonSummer1 Season = "summer1"
	SeasonSummer2 Season = "summer2"
	SeasonAnnual  Season = "annual"
	SeasonCustom  Season = "custom"
)

// Seasons is the fixed set of supported seasons, in the classifier's order.
var Seasons = []Season{SeasonWinter, SeasonSummer1, SeasonSummer2, SeasonAnnual, SeasonCustom}

// ParseSeason validates a season name. Matching is exact.
func ParseSeason(s string) (Season, error) {
	for _, season := range Seasons {
		if string(season) == s {
			return season, nil
		}
	}
	return "", fmt.Errorf("%w: %q (valid: %s)", ErrInvalidSeason, s, SeasonNames())
}

// SeasonNames renders the season set as "winter, summer1, ...".
func SeasonNames() string {
	names := make([]string, len(Seasons))
	for i, s := range Seasons {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// Default model versions.
const (
	DefaultCroplandModelVersion   = "v750"
	DefaultCroptypeModelVersion   = "v751"
	DefaultIrrigationModelVersion = "v420"
)

// DefaultEndSeasonYear is used when --end-season-year is not given.
const DefaultEndSeasonYear = 2021

// AddCroptypeYear is the end-of-season year for which the sunflower and
// rapeseed detectors are added to the croptype models.
const AddCroptypeYear = 2022

// ParseYear accepts a four digit year, as the YYYY layout does.
func ParseYear(s string) (int, error) {
	t, err := time.Parse("2006", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidYear, s)
	}
	return t.Year(), nil
}

var tilePattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{3}$`)

// TileID is a Sentinel-2 MGRS tile identifier such as 31TCJ.
type TileID string

// ParseTileID validates an MGRS tile id.
func ParseTileID(s string) (TileID, error) {
	if !tilePattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTile, s)
	}
	return TileID(s), nil
}

// Zone returns the UTM zone part ("31").
func (t TileID) Zone() string { return string(t)[:2] }

// Band returns the latitude band letter ("T").
func (t TileID) Band() string { return string(t)[2:3] }

// Square returns the 100km square ("CJ").
func (t TileID) Square() string { return string(t)[3:] }

func (t TileID) String() string { return string(t) }

// ProductionID identifies an EWoC production: <user>_<aez>_<timestamp>.
// The user part may contain underscores.
type ProductionID string

// ParseProductionID validates the production id layout.
func ParseProductionID(s string) (ProductionID, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: %q needs <user>_<aez>_<timestamp>", ErrInvalidProduction, s)
	}
	if _, err := strconv.Atoi(parts[len(parts)-2]); err != nil {
		return "", fmt.Errorf("%w: aez id %q is not an integer", ErrInvalidProduction, parts[len(parts)-2])
	}
	if strings.Join(parts[:len(parts)-2], "_") == "" {
		return "", fmt.Errorf("%w: %q has an empty user id", ErrInvalidProduction, s)
	}
	return ProductionID(s), nil
}

// AEZ returns the agro-ecological zone id embedded in the production id.
func (p ProductionID) AEZ() int {
	parts := strings.Split(string(p), "_")
	if len(parts) < 2 {
		return 0
	}
	aez, _ := strconv.Atoi(parts[len(parts)-2])
	return aez
}

// User returns the user id: every field but the last two.
func (p ProductionID) User() string {
	return UserFromProduction(string(p))
}

func (p ProductionID) String() string { return string(p) }

// UserFromProduction extracts the user id from a production id string
// without validating it.
func UserFromProduction(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) <= 2 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-2], "_")
}
