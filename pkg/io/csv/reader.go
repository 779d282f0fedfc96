// Package csv reads sequences and tabular samples from CSV files and writes
// scored results back out.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	seqio "github.com/hed1ad/seqguard/pkg/io"
)

var _ seqio.Reader = (*Reader)(nil)

// Reader reads time-major samples, one row per time step and one column per
// channel.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	strict    bool
	headers   []string
	skipped   int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.reader.Comma = c
	}
}

// WithStrict makes malformed rows an error instead of skipping them.
func WithStrict(strict bool) Option {
	return func(r *Reader) {
		r.strict = strict
	}
}

// Open creates a reader for the named file.
func Open(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewReader creates a reader over src. Close does not close src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, nil, opts)
}

func newReader(src io.Reader, closer io.Closer, opts []Option) (*Reader, error) {
	r := &Reader{
		closer:    closer,
		reader:    csv.NewReader(src),
		hasHeader: true,
	}
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = headers
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns how many malformed rows were dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all data as a 2D float slice.
func (r *Reader) Read() ([][]float64, error) {
	var data [][]float64

	for {
		row, err := r.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if row != nil {
			data = append(data, row)
		}
	}

	return data, nil
}

// Stream returns a channel of rows for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	out := make(chan []float64, 100)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			row, err := r.next()
			if err != nil {
				return
			}
			if row == nil {
				continue
			}

			select {
			case out <- row:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// next returns the next parsed row. A nil row with a nil error is a skipped
// malformed row.
func (r *Reader) next() ([]float64, error) {
	record, err := r.reader.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) && !r.strict {
			r.skipped++
			return nil, nil
		}
		return nil, err
	}

	row, err := parseRow(record)
	if err != nil {
		if r.strict {
			line, _ := r.reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		r.skipped++
		return nil, nil
	}
	return row, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// parseRow converts string slice to float slice.
func parseRow(record []string) ([]float64, error) {
	if len(record) == 0 {
		return nil, errors.New("empty row")
	}

	row := make([]float64, len(record))
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, err
		}
		row[i] = f
	}
	return row, nil
}
