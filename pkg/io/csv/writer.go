package csv

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	seqio "github.com/hed1ad/seqguard/pkg/io"
)

var _ seqio.Writer = (*Writer)(nil)

// Header is the first row written by a Writer.
var Header = []string{"name", "score", "anomaly", "latent"}

// Writer writes one row per result. Decoded states are space separated.
type Writer struct {
	closer      io.Closer
	writer      *csv.Writer
	wroteHeader bool
}

// Create truncates or creates the named file.
func Create(filename string) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

// NewWriter writes to dst. Close flushes but does not close dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{writer: csv.NewWriter(dst)}
}

// Write outputs a single result.
func (w *Writer) Write(result seqio.Result) error {
	if err := w.write(result); err != nil {
		return err
	}
	w.writer.Flush()
	return w.writer.Error()
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []seqio.Result) error {
	for _, r := range results {
		if err := w.write(r); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

func (w *Writer) write(r seqio.Result) error {
	if !w.wroteHeader {
		if err := w.writer.Write(Header); err != nil {
			return err
		}
		w.wroteHeader = true
	}

	states := make([]string, len(r.Latent))
	for i, s := range r.Latent {
		states[i] = strconv.Itoa(s)
	}

	return w.writer.Write([]string{
		r.Name,
		strconv.FormatFloat(r.Score, 'g', -1, 64),
		strconv.FormatBool(r.IsAnomaly),
		strings.Join(states, " "),
	})
}

// Close flushes buffered rows and releases resources.
func (w *Writer) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
