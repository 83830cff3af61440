// Package dataset holds the tabular record model shared by the preprocessing,
// training, monitoring and serving stages: shipment observations keyed by a
// totally ordered timestamp, with numeric measurements (NaN = missing),
// categorical status fields ("" = missing) and a binary delay label.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"time"
)

// Schema describes the columns of a partition. Numeric lists feature columns
// only; the label column is tracked separately so drift detection and feature
// preparation can exclude it without string matching at call sites.
type Schema struct {
	TimestampColumn string   `json:"timestamp_column"`
	LabelColumn     string   `json:"label_column"`
	Numeric         []string `json:"numeric"`
	Categorical     []string `json:"categorical"`
}

// HasLabel reports whether the schema carries a label column.
func (s Schema) HasLabel() bool { return s.LabelColumn != "" }

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	out := s
	out.Numeric = append([]string(nil), s.Numeric...)
	out.Categorical = append([]string(nil), s.Categorical...)
	return out
}

// Record is one shipment observation. Numeric holds measurement columns plus
// the label column (when present); missing numeric cells are NaN.
type Record struct {
	Timestamp   time.Time
	Numeric     map[string]float64
	Categorical map[string]string
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{Timestamp: r.Timestamp}
	if r.Numeric != nil {
		out.Numeric = make(map[string]float64, len(r.Numeric))
		for k, v := range r.Numeric {
			out.Numeric[k] = v
		}
	}
	if r.Categorical != nil {
		out.Categorical = make(map[string]string, len(r.Categorical))
		for k, v := range r.Categorical {
			out.Categorical[k] = v
		}
	}
	return out
}

// Partition is an ordered collection of records sharing one schema. Partitions
// are treated as immutable once produced by the splitter or the encoder.
type Partition struct {
	Name    string
	Schema  Schema
	Records []Record
}

// Len returns the number of records.
func (p *Partition) Len() int { return len(p.Records) }

// Clone returns a deep copy of the partition.
func (p *Partition) Clone() *Partition {
	out := &Partition{Name: p.Name, Schema: p.Schema.Clone()}
	out.Records = make([]Record, len(p.Records))
	for i, r := range p.Records {
		out.Records[i] = r.Clone()
	}
	return out
}

// NumericColumn returns the values of one numeric column in record order.
// Cells absent from a record are returned as NaN.
func (p *Partition) NumericColumn(name string) []float64 {
	out := make([]float64, len(p.Records))
	for i, r := range p.Records {
		v, ok := r.Numeric[name]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// Labels returns the label column values in record order. The second return
// is false when the schema has no label column.
func (p *Partition) Labels() ([]float64, bool) {
	if !p.Schema.HasLabel() {
		return nil, false
	}
	return p.NumericColumn(p.Schema.LabelColumn), true
}

// TimeBounds returns the minimum and maximum timestamps. ok is false for an
// empty partition.
func (p *Partition) TimeBounds() (min, max time.Time, ok bool) {
	if len(p.Records) == 0 {
		return time.Time{}, time.Time{}, false
	}
	min, max = p.Records[0].Timestamp, p.Records[0].Timestamp
	for _, r := range p.Records[1:] {
		if r.Timestamp.Before(min) {
			min = r.Timestamp
		}
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return min, max, true
}

// DaySlice is one calendar day's worth of records from a partition.
type DaySlice struct {
	Date    time.Time // midnight UTC
	Records *Partition
}

// SplitByDay groups the partition by UTC calendar date, ascending.
func (p *Partition) SplitByDay() []DaySlice {
	byDay := make(map[time.Time][]Record)
	for _, r := range p.Records {
		day := r.Timestamp.UTC().Truncate(24 * time.Hour)
		byDay[day] = append(byDay[day], r)
	}
	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	out := make([]DaySlice, 0, len(days))
	for _, d := range days {
		out = append(out, DaySlice{
			Date: d,
			Records: &Partition{
				Name:    p.Name + "/" + d.Format("2006-01-02"),
				Schema:  p.Schema,
				Records: byDay[d],
			},
		})
	}
	return out
}

// Temporal feature columns derived from the timestamp. Serving must rebuild
// these identically, so the derivation lives here and nowhere else.
const (
	HourColumn      = "hour"
	DayOfWeekColumn = "day_of_week"
	MonthColumn     = "month"
)

// TemporalFeatures computes the derived temporal features for one timestamp.
func TemporalFeatures(ts time.Time) map[string]float64 {
	return map[string]float64{
		HourColumn:      float64(ts.Hour()),
		DayOfWeekColumn: float64(int(ts.Weekday())),
		MonthColumn:     float64(int(ts.Month())),
	}
}

// WithTemporalFeatures returns a copy of the partition with hour, day_of_week
// and month columns derived from each record's timestamp.
func WithTemporalFeatures(p *Partition) *Partition {
	out := p.Clone()
	for i := range out.Records {
		if out.Records[i].Numeric == nil {
			out.Records[i].Numeric = make(map[string]float64, 3)
		}
		for k, v := range TemporalFeatures(out.Records[i].Timestamp) {
			out.Records[i].Numeric[k] = v
		}
	}
	for _, col := range []string{HourColumn, DayOfWeekColumn, MonthColumn} {
		if !contains(out.Schema.Numeric, col) {
			out.Schema.Numeric = append(out.Schema.Numeric, col)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// timestampFormats accepted by the loader, tried in order.
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a raw timestamp string using the accepted formats.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// LoadOptions configures CSV loading. Columns not listed as timestamp, label,
// categorical or dropped are treated as numeric.
type LoadOptions struct {
	TimestampColumn    string
	LabelColumn        string
	CategoricalColumns []string
	DropColumns        []string
}

// DefaultLoadOptions matches the smart-logistics shipment dataset layout.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		TimestampColumn:    "Timestamp",
		LabelColumn:        "Logistics_Delay",
		CategoricalColumns: []string{"Shipment_Status", "Traffic_Status", "Logistics_Delay_Reason"},
		DropColumns:        []string{"Asset_ID"},
	}
}

// LoadCSV reads a raw CSV file into a partition. Numeric cells that are empty
// or unparseable become NaN; an unparseable timestamp is a data-integrity
// error and aborts the load.
func LoadCSV(path, name string, opts LoadOptions) (*Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	dropped := make(map[string]bool, len(opts.DropColumns))
	for _, c := range opts.DropColumns {
		dropped[c] = true
	}
	categorical := make(map[string]bool, len(opts.CategoricalColumns))
	for _, c := range opts.CategoricalColumns {
		categorical[c] = true
	}

	schema := Schema{TimestampColumn: opts.TimestampColumn}
	tsIdx := -1
	for i, col := range header {
		switch {
		case col == opts.TimestampColumn:
			tsIdx = i
		case dropped[col]:
		case col == opts.LabelColumn:
			schema.LabelColumn = col
		case categorical[col]:
			schema.Categorical = append(schema.Categorical, col)
		default:
			schema.Numeric = append(schema.Numeric, col)
		}
	}
	if tsIdx < 0 {
		return nil, fmt.Errorf("%s: missing timestamp column %q", path, opts.TimestampColumn)
	}

	p := &Partition{Name: name, Schema: schema}
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line+1, err)
		}
		line++

		rec := Record{
			Numeric:     make(map[string]float64, len(schema.Numeric)+1),
			Categorical: make(map[string]string, len(schema.Categorical)),
		}
		for i, cell := range row {
			if i >= len(header) {
				break
			}
			col := header[i]
			switch {
			case i == tsIdx:
				ts, err := ParseTimestamp(cell)
				if err != nil {
					return nil, fmt.Errorf("%s line %d: %w", path, line, err)
				}
				rec.Timestamp = ts
			case dropped[col]:
			case categorical[col]:
				rec.Categorical[col] = cell
			default:
				if cell == "" {
					rec.Numeric[col] = math.NaN()
					continue
				}
				v, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					rec.Numeric[col] = math.NaN()
					continue
				}
				rec.Numeric[col] = v
			}
		}
		p.Records = append(p.Records, rec)
	}
	return p, nil
}

// SaveCSV writes a partition to disk: timestamp column first, then numeric
// columns in schema order, then categorical columns. NaN cells are written
// empty so a reload round-trips missing values.
func SaveCSV(p *Partition, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{p.Schema.TimestampColumn}
	header = append(header, p.Schema.Numeric...)
	if p.Schema.HasLabel() {
		header = append(header, p.Schema.LabelColumn)
	}
	header = append(header, p.Schema.Categorical...)
	if err := w.Write(header); err != nil {
		return err
	}

	row := make([]string, 0, len(header))
	for _, rec := range p.Records {
		row = row[:0]
		row = append(row, rec.Timestamp.UTC().Format(time.RFC3339))
		cols := append([]string(nil), p.Schema.Numeric...)
		if p.Schema.HasLabel() {
			cols = append(cols, p.Schema.LabelColumn)
		}
		for _, col := range cols {
			v, ok := rec.Numeric[col]
			if !ok || math.IsNaN(v) {
				row = append(row, "")
				continue
			}
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		for _, col := range p.Schema.Categorical {
			row = append(row, rec.Categorical[col])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
