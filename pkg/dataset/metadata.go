package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Record is one row of the metadata table.
type Record struct {
	File     string  // slice_file_name
	Fold     int     // fold
	Class    string  // class
	ClassID  int     // classID, -1 when absent
	FSID     string  // fsID
	Start    float64 // start (seconds into the source recording)
	End      float64 // end
	Salience int     // salience, 0 when absent
	Label    int     // encoded class, set by LabelEncoder.EncodeRecords
}

// Path returns the audio file location: <root>/fold<N>/<file>.
func (r Record) Path(root string) string {
	return filepath.Join(root, "fold"+strconv.Itoa(r.Fold), r.File)
}

// Classes returns the class column of records in order.
func Classes(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Class
	}
	return out
}

// Limit returns the first n records. n <= 0 returns all of them.
func Limit(records []Record, n int) []Record {
	if n <= 0 || n >= len(records) {
		return records
	}
	return records[:n:n]
}

// LoadMetadata reads the metadata CSV at path.
func LoadMetadata(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open metadata: %w", err)
	}
	defer f.Close()
	return ReadMetadata(f)
}

// ReadMetadata parses a metadata table with a header row. The columns
// slice_file_name, fold and class are required; fsID, start, end,
// salience and classID are read when present. Audio files are not
// checked for existence.
func ReadMetadata(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("dataset: metadata: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: metadata: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range []string{"slice_file_name", "fold", "class"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("dataset: metadata: missing column %q", name)
		}
	}

	field := func(row []string, name string) (string, bool) {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[i]), true
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: metadata: %w", err)
		}

		rec := Record{ClassID: -1}
		rec.File, _ = field(row, "slice_file_name")
		rec.Class, _ = field(row, "class")
		foldStr, _ := field(row, "fold")
		if rec.Fold, err = strconv.Atoi(foldStr); err != nil {
			return nil, fmt.Errorf("dataset: metadata line %d: fold %q: %w", line, foldStr, err)
		}
		if rec.File == "" {
			return nil, fmt.Errorf("dataset: metadata line %d: empty slice_file_name", line)
		}

		if v, ok := field(row, "fsID"); ok {
			rec.FSID = v
		}
		if v, ok := field(row, "classID"); ok && v != "" {
			if rec.ClassID, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("dataset: metadata line %d: classID %q: %w", line, v, err)
			}
		}
		if v, ok := field(row, "salience"); ok && v != "" {
			if rec.Salience, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("dataset: metadata line %d: salience %q: %w", line, v, err)
			}
		}
		if v, ok := field(row, "start"); ok && v != "" {
			if rec.Start, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("dataset: metadata line %d: start %q: %w", line, v, err)
			}
		}
		if v, ok := field(row, "end"); ok && v != "" {
			if rec.End, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("dataset: metadata line %d: end %q: %w", line, v, err)
			}
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrNoRows
	}
	return records, nil
}
