package ewoc

import "errors"

var (
	ErrInvalidSeason     = errors.New("invalid ewoc season")
	ErrInvalidDetector   = errors.New("invalid ewoc detector")
	ErrInvalidTile       = errors.New("invalid MGRS tile id")
	ErrInvalidProduction = errors.New("invalid production id")
	ErrInvalidYear       = errors.New("not a valid year")
)
