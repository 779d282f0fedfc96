package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	seqio "github.com/hed1ad/seqguard/pkg/io"
	"github.com/hed1ad/seqguard/pkg/structured"
)

var _ seqio.SequenceReader = (*SequenceReader)(nil)

// Layout describes where a sequence file keeps its labels and channels.
//
// The default layout has one row per channel starting at row 3, a label row
// at row 1 holding 1-based states, and a name in the first column of every
// row. Other rows are ignored.
type Layout struct {
	LabelRow     int  // Row index of the labels, or -1 for none
	FirstChannel int  // Row index of the first channel
	Channels     int  // Number of channel rows, or 0 for every remaining row
	LabelBase    int  // Value of state 0 in the label row
	NameColumn   bool // Whether the first column holds a row name
}

// DefaultLayout returns the layout described on Layout.
func DefaultLayout() Layout {
	return Layout{
		LabelRow:     1,
		FirstChannel: 3,
		LabelBase:    1,
		NameColumn:   true,
	}
}

// SequenceOption configures a SequenceReader.
type SequenceOption func(*SequenceReader)

// WithLayout replaces the default file layout.
func WithLayout(l Layout) SequenceOption {
	return func(r *SequenceReader) {
		r.layout = l
	}
}

// WithoutLabels ignores the label row.
func WithoutLabels() SequenceOption {
	return func(r *SequenceReader) {
		r.layout.LabelRow = -1
	}
}

// WithCentering subtracts the global per-channel mean from the loaded set.
func WithCentering(center bool) SequenceOption {
	return func(r *SequenceReader) {
		r.center = center
	}
}

// WithMean subtracts a fixed per-channel mean, typically the one recorded
// when a model was trained, instead of the mean of the loaded set.
func WithMean(mean []float64) SequenceOption {
	return func(r *SequenceReader) {
		r.center = true
		r.mean = append([]float64(nil), mean...)
	}
}

// SequenceReader loads one sequence per file.
type SequenceReader struct {
	paths  []string
	layout Layout
	center bool
	mean   []float64
}

// NewSequenceReader reads the given files in order.
func NewSequenceReader(paths []string, opts ...SequenceOption) *SequenceReader {
	r := &SequenceReader{
		paths:  append([]string(nil), paths...),
		layout: DefaultLayout(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Glob reads every file matching pattern, in lexical order.
func Glob(pattern string, opts ...SequenceOption) (*SequenceReader, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files match %q", pattern)
	}
	sort.Strings(paths)
	return NewSequenceReader(paths, opts...), nil
}

// Paths returns the files read by ReadSet.
func (r *SequenceReader) Paths() []string {
	return append([]string(nil), r.paths...)
}

// Names returns the base name of every file without its extension.
func (r *SequenceReader) Names() []string {
	names := make([]string, len(r.paths))
	for i, p := range r.paths {
		names[i] = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	}
	return names
}

// ReadSet loads every file into a set. With centring, the first call fixes
// the mean that every later call subtracts.
func (r *SequenceReader) ReadSet(ctx context.Context) (*structured.Set, error) {
	examples := make([]structured.Example, 0, len(r.paths))
	for _, p := range r.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ex, err := r.readFile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		examples = append(examples, ex)
	}

	set, err := structured.NewSet(examples)
	if err != nil {
		return nil, err
	}
	if !r.center {
		return set, nil
	}
	if r.mean == nil {
		r.mean = set.Mean()
	}
	return set.CenteredBy(r.mean)
}

// Mean returns the per-channel mean subtracted by ReadSet, or nil when the
// reader does not centre.
func (r *SequenceReader) Mean() []float64 {
	return append([]float64(nil), r.mean...)
}

func (r *SequenceReader) readFile(path string) (structured.Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return structured.Example{}, err
	}
	defer f.Close()
	return ParseSequence(f, r.layout)
}

// ParseSequence reads one sequence laid out as described by l.
func ParseSequence(src io.Reader, l Layout) (structured.Example, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return structured.Example{}, err
	}

	skip := 0
	if l.NameColumn {
		skip = 1
	}

	last := len(records)
	if l.Channels > 0 {
		last = l.FirstChannel + l.Channels
		if last > len(records) {
			return structured.Example{}, fmt.Errorf("want %d channel rows from row %d, file has %d rows", l.Channels, l.FirstChannel, len(records))
		}
	}
	if l.FirstChannel >= last {
		return structured.Example{}, fmt.Errorf("no channel rows at or after row %d: %w", l.FirstChannel, structured.ErrEmptySequence)
	}

	channels := make([][]float64, 0, last-l.FirstChannel)
	for i := l.FirstChannel; i < last; i++ {
		row, err := parseRow(fields(records[i], skip))
		if err != nil {
			return structured.Example{}, fmt.Errorf("row %d: %w", i, err)
		}
		channels = append(channels, row)
	}

	var labels []int
	if l.LabelRow >= 0 {
		if l.LabelRow >= len(records) {
			return structured.Example{}, fmt.Errorf("label row %d missing: %w", l.LabelRow, structured.ErrNoLabels)
		}
		for t, v := range fields(records[l.LabelRow], skip) {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return structured.Example{}, fmt.Errorf("label %d: %w", t, err)
			}
			labels = append(labels, n-l.LabelBase)
		}
	}

	return structured.FromRows(channels, labels)
}

func fields(record []string, skip int) []string {
	if len(record) <= skip {
		return nil
	}
	return record[skip:]
}
