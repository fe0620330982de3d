// Package workspace manages the working directory of one classification
// run: its unique id, the files the run writes there, the output checks and
// the final cleanup.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
)

// ErrEmptyOutput is returned when a product folder has no file.
var ErrEmptyOutput = errors.New("output folder is empty")

// Output folders written by the classifier below the work dir.
const (
	BlocksDir   = "blocks"
	CogsDir     = "cogs"
	ExitLogsDir = "exitlogs"
	ProcLogsDir = "proclogs"
	FeaturesDir = "block_features"
)

// NewUID returns <tile>_<6 hex chars>.
func NewUID(tile ewoc.TileID) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%s", tile, id[:6])
}

// Workspace is the working directory of a run.
type Workspace struct {
	UID string
	Dir string

	// owned is true when Dir was created for this run.
	owned bool
}

// New prepares the work dir. When outDir is the system temporary directory
// a fresh <outDir>/<uid> sub-directory is created; otherwise outDir itself is
// used. The block features directory is created in both cases.
func New(tile ewoc.TileID, outDir string) (*Workspace, error) {
	uid := NewUID(tile)
	ws := &Workspace{UID: uid, Dir: outDir}

	if isTempDir(outDir) {
		ws.Dir = filepath.Join(outDir, uid)
		if err := os.Mkdir(ws.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
		ws.owned = true
	} else if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	if err := os.MkdirAll(ws.FeaturesDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create features dir: %w", err)
	}
	logging.Classif("Working directory %s (uid %s)", ws.Dir, uid)
	return ws, nil
}

func isTempDir(dir string) bool {
	a, errA := filepath.Abs(dir)
	b, errB := filepath.Abs(os.TempDir())
	if errA != nil || errB != nil {
		return filepath.Clean(dir) == filepath.Clean(os.TempDir())
	}
	return a == b
}

// Path joins elem to the work dir.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

// CSVPath returns <dir>/<uid>_satio_<kind>.csv.
func (w *Workspace) CSVPath(kind string) string {
	return w.Path(fmt.Sprintf("%s_satio_%s.csv", w.UID, kind))
}

// ConfigPath returns <dir>/<uid>_ewoc_config.json.
func (w *Workspace) ConfigPath() string {
	return w.Path(w.UID + "_ewoc_config.json")
}

// FeaturesDir returns the block features directory.
func (w *Workspace) FeaturesDir() string { return w.Path(FeaturesDir) }

// Cleanup removes what the run left behind: the whole work dir when it was
// created for the run, otherwise the run's own files and output folders.
// Stray *<tile>.tif files the classifier writes in the current directory
// are removed too.
func (w *Workspace) Cleanup(tile ewoc.TileID) error {
	logging.Classif("Cleaning the output folder %s", w.Dir)

	var errs []error
	if w.owned {
		errs = append(errs, os.RemoveAll(w.Dir))
	} else {
		entries, err := os.ReadDir(w.Dir)
		if err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		for _, e := range entries {
			switch name := e.Name(); {
			case strings.HasPrefix(name, w.UID+"_"),
				name == BlocksDir, name == CogsDir, name == ExitLogsDir,
				name == ProcLogsDir, name == FeaturesDir:
				errs = append(errs, os.RemoveAll(w.Path(name)))
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		RemoveTmpFiles(cwd, string(tile)+".tif")
	}
	return errors.Join(errs...)
}

// HasFiles reports whether dir exists and holds at least one file at any
// depth.
func HasFiles(dir string) bool {
	found := false
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !found {
		logging.ClassifDebug("Non existing folder: %s", dir)
	}
	return found
}

// RemoveTmpFiles deletes every file or directory below folder whose name
// ends with suffix. Failures are logged, not returned.
func RemoveTmpFiles(folder, suffix string) {
	var matches []string
	_ = filepath.WalkDir(folder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p != folder && strings.HasSuffix(d.Name(), suffix) {
			matches = append(matches, p)
			if d.IsDir() {
				return fs.SkipDir
			}
		}
		return nil
	})
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			logging.ClassifWarn("Could not delete tmp file %s: %v", m, err)
			continue
		}
		logging.Classif("Deleted tmp file: %s", m)
	}
}
