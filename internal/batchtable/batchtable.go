// Package batchtable loads the input batch table: one row per named batch
// with the sales-order document numbers it should contain. The table arrives
// as parquet from the planning side and is normalized here before a run.
package batchtable

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Row is one input batch as written by the planning export.
type Row struct {
	BatchName string `parquet:"batchName"`
	DueDate   string `parquet:"dueDate,optional"`
	DocNums   string `parquet:"docNums"`
}

// Unit is one schedulable unit of work: a batch name with its sales orders
// in input order. Immutable once built.
type Unit struct {
	Name        string
	DueDate     string
	SalesOrders []string
}

// Load reads the batch table from a parquet file.
func Load(path string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("read batch table %s: %w", path, err)
	}
	return rows, nil
}

// Write persists rows as parquet, replacing any existing file at path.
func Write(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create batch table %s: %w", path, err)
	}
	w := parquet.NewGenericWriter[Row](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write batch table: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close batch table writer: %w", err)
	}
	return f.Close()
}

// SplitDocNums parses a document-number field. The planning export is not
// consistent: values arrive bracketed ("[123, 456]"), quoted, or joined by
// commas, semicolons, or bare whitespace. Duplicates are dropped, first
// occurrence wins, input order is preserved.
func SplitDocNums(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "[]")

	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})

	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, `'" `)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Prepare filters rows to the requested batch names (all rows when requested
// is empty), normalizes each DocNums field to a canonical comma-joined form,
// and drops rows that end up with no document numbers.
func Prepare(rows []Row, requested []string) []Row {
	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		want[strings.TrimSpace(name)] = true
	}

	var out []Row
	for _, row := range rows {
		if len(want) > 0 && !want[row.BatchName] {
			continue
		}
		nums := SplitDocNums(row.DocNums)
		if len(nums) == 0 {
			continue
		}
		row.DocNums = strings.Join(nums, ", ")
		out = append(out, row)
	}
	return out
}

// Units turns prepared rows into schedulable units, sorted by due date
// ascending then batch name ascending with a stable sort. When no row
// carries a parseable due date the sort falls back to batch name alone.
func Units(rows []Row) []Unit {
	units := make([]Unit, 0, len(rows))
	anyDue := false
	for _, row := range rows {
		if _, ok := parseDue(row.DueDate); ok {
			anyDue = true
		}
		units = append(units, Unit{
			Name:        row.BatchName,
			DueDate:     row.DueDate,
			SalesOrders: SplitDocNums(row.DocNums),
		})
	}

	if anyDue {
		sort.SliceStable(units, func(i, j int) bool {
			di, iok := parseDue(units[i].DueDate)
			dj, jok := parseDue(units[j].DueDate)
			switch {
			case iok && !jok:
				return true
			case !iok && jok:
				return false
			case iok && jok && !di.Equal(dj):
				return di.Before(dj)
			}
			return units[i].Name < units[j].Name
		})
	} else {
		sort.SliceStable(units, func(i, j int) bool {
			return units[i].Name < units[j].Name
		})
	}
	return units
}

func parseDue(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
