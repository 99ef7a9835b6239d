// Package seed loads lists of previously confirmed incident IDs.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/JakeFAU/incident-harvester/internal/checkpoint"
	"github.com/JakeFAU/incident-harvester/internal/incident"
)

// Source yields confirmed IDs within the inclusive range [lower, upper].
type Source interface {
	KnownIDs(ctx context.Context, lower, upper incident.RecordID) ([]incident.RecordID, error)
}

// ErrNoIDColumn reports a CSV without an ids column.
var ErrNoIDColumn = errors.New("seed: missing " + checkpoint.IDHeader + " column")

// File reads seeds from a CSV file with an ids column, such as a merged
// discovery output.
type File struct {
	Path string
}

// KnownIDs implements Source.
func (f File) KnownIDs(_ context.Context, lower, upper incident.RecordID) ([]incident.RecordID, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer fh.Close() //nolint:errcheck // read-only
	ids, err := Read(fh, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return ids, nil
}

// Read parses CSV seeds, keeping IDs in [lower, upper]. The result is sorted
// and de-duplicated. Blank cells are skipped; any other non-integer cell is
// an error.
func Read(r io.Reader, lower, upper incident.RecordID) ([]incident.RecordID, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoIDColumn
	}
	if err != nil {
		return nil, fmt.Errorf("read seed header: %w", err)
	}
	col := slices.IndexFunc(header, func(h string) bool {
		return strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), checkpoint.IDHeader)
	})
	if col < 0 {
		return nil, ErrNoIDColumn
	}

	var ids []incident.RecordID
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read seed line %d: %w", line, err)
		}
		if col >= len(rec) {
			continue
		}
		cell := strings.TrimSpace(rec[col])
		if cell == "" {
			continue
		}
		n, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seed line %d: invalid id %q", line, cell)
		}
		id := incident.RecordID(n)
		if id < lower || id > upper {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
