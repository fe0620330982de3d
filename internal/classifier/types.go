// Package classifier runs the external WorldCereal classifier as a child
// process, once per block in process mode or once per tile in postprocess
// (mosaic) mode, and classifies its exit status.
package classifier

import (
	"context"
	"strconv"
	"strings"
	"time"

	"ewocclassif/internal/ewoc"
)

// Mode selects what the classifier does with a tile.
type Mode string

const (
	// ModeProcess classifies blocks.
	ModeProcess Mode = "process"
	// ModePostprocess mosaics blocks into COGs.
	ModePostprocess Mode = "postprocess"
)

// Request is one classifier invocation.
type Request struct {
	Tile       ewoc.TileID
	ConfigPath string
	OutDir     string
	Mode       Mode

	// Block is the block to process; nil means the classifier's default.
	Block *int
	// AEZ enforces the agro-ecological zone instead of deriving it from the tile.
	AEZ *int

	// Timeout overrides the executor default when > 0.
	Timeout time.Duration
}

// Arguments renders the classifier arguments:
// <tile> <config> <outdir> [--block N] [--process|--postprocess] [--aez-id N].
func (r Request) Arguments() []string {
	args := []string{string(r.Tile), r.ConfigPath, r.OutDir}
	if r.Block != nil {
		args = append(args, "--block", strconv.Itoa(*r.Block))
	}
	switch r.Mode {
	case ModeProcess:
		args = append(args, "--process")
	case ModePostprocess:
		args = append(args, "--postprocess")
	}
	if r.AEZ != nil {
		args = append(args, "--aez-id", strconv.Itoa(*r.AEZ))
	}
	return args
}

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeDone means exit status 0: products were written.
	OutcomeDone Outcome = "done"
	// OutcomeSkipped means exit status 1: nothing to do for the block.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed covers every other status, kills and start failures.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of one run.
type Result struct {
	Outcome  Outcome
	ExitCode int

	Stdout    string
	Stderr    string
	Truncated bool

	Killed     bool
	KillReason string
	// Error is set when the process could not be started.
	Error string

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Tail returns the last n lines of the combined output, for logs.
func (r *Result) Tail(n int) string {
	combined := strings.TrimRight(r.Stdout, "\n")
	if r.Stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += strings.TrimRight(r.Stderr, "\n")
	}
	lines := strings.Split(combined, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Runner runs the classifier.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// OutcomeFor maps an exit status to an outcome.
func OutcomeFor(exitCode int) Outcome {
	switch exitCode {
	case 0:
		return OutcomeDone
	case 1:
		return OutcomeSkipped
	default:
		return OutcomeFailed
	}
}
