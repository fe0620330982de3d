// Package satio reads and writes the satio collection CSV files listing the
// products the classifier loads for a tile: one row per acquisition, with
// its date, tile, processing level and storage path.
package satio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DateLayout is the date format of the date column.
const DateLayout = "2006-01-02"

// Header is the CSV header row.
var Header = []string{"date", "tile", "level", "path"}

// Record is one collection row.
type Record struct {
	Date  time.Time
	Tile  string
	Level string
	Path  string
}

// Sort orders records by date, then path.
func Sort(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Date.Equal(records[j].Date) {
			return records[i].Date.Before(records[j].Date)
		}
		return records[i].Path < records[j].Path
	})
}

// Write writes records with the header row to path, creating the parent
// directory.
func Write(path string, records []Record) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating CSV file: %w", err)
	}

	writer := csv.NewWriter(file)
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, Header)
	for _, r := range records {
		rows = append(rows, []string{r.Date.Format(DateLayout), r.Tile, r.Level, r.Path})
	}
	if err := writer.WriteAll(rows); err != nil {
		file.Close()
		return fmt.Errorf("error writing CSV %s: %w", path, err)
	}
	return file.Close()
}

// Read parses a collection CSV written by Write.
func Read(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading CSV header: %w", err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[h] = i
	}
	for _, col := range Header {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("CSV %s has no %q column", path, col)
		}
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV %s: %w", path, err)
		}
		date, err := time.Parse(DateLayout, row[idx["date"]])
		if err != nil {
			return nil, fmt.Errorf("bad date in %s: %w", path, err)
		}
		records = append(records, Record{
			Date:  date,
			Tile:  row[idx["tile"]],
			Level: row[idx["level"]],
			Path:  row[idx["path"]],
		})
	}
	return records, nil
}

// CountRows returns the number of data rows (header excluded) of a CSV
// file, without interpreting the columns.
func CountRows(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("error opening CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	n := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("error reading CSV %s: %w", path, err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

// TooSparse reports whether a collection has at most one product, which the
// classifier cannot use. Unreadable files count as sparse.
func TooSparse(path string) bool {
	n, err := CountRows(path)
	return err != nil || n <= 1
}
