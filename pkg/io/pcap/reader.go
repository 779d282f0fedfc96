// Package pcap turns packet captures into multichannel sequences: every
// packet becomes one time step whose channels are numeric packet features.
package pcap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	seqio "github.com/hed1ad/seqguard/pkg/io"
)

var _ seqio.Reader = (*Reader)(nil)

// Reader reads packets and converts each one into a feature vector.
type Reader struct {
	source    gopacket.PacketDataSource
	decoder   gopacket.Decoder
	extractor *FeatureExtractor
	closer    io.Closer
	limit     int
	count     int
}

// Option configures a Reader.
type Option func(*Reader)

// WithExtractor replaces the default feature extractor.
func WithExtractor(e *FeatureExtractor) Option {
	return func(r *Reader) {
		r.extractor = e
	}
}

// WithLimit stops reading with io.EOF after n packets. Zero means no limit.
func WithLimit(n int) Option {
	return func(r *Reader) {
		r.limit = n
	}
}

// NewSourceReader reads packets from src, decoding them with dec. Close
// calls closer when it is not nil.
func NewSourceReader(src gopacket.PacketDataSource, dec gopacket.Decoder, closer io.Closer, opts ...Option) *Reader {
	r := &Reader{
		source:    src,
		decoder:   dec,
		extractor: &FeatureExtractor{},
		closer:    closer,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// NewReader reads a pcap or pcapng stream.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	// pcapng files start with a section header block
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		return NewSourceReader(ng, ng.LinkType(), nil, opts...), nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, err
	}
	return NewSourceReader(pr, pr.LinkType(), nil, opts...), nil
}

// NewFileReader creates a reader for a capture file.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	r.closer = f
	return r, nil
}

// FeatureNames returns the channel names of the produced vectors.
func (r *Reader) FeatureNames() []string {
	return r.extractor.FeatureNames()
}

// Read returns all packets as feature vectors.
func (r *Reader) Read() ([][]float64, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	var data [][]float64
	for {
		features, err := r.next()
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return data, err
		}
		data = append(data, features)
	}
}

// Stream returns a channel of feature vectors for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan []float64, 1000)

	go func() {
		defer close(out)
		for ctx.Err() == nil {
			features, err := r.next()
			if err != nil {
				return
			}
			select {
			case out <- features:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *Reader) next() ([]float64, error) {
	if r.limit > 0 && r.count >= r.limit {
		return nil, io.EOF
	}
	data, ci, err := r.source.ReadPacketData()
	if err != nil {
		return nil, err
	}
	r.count++
	packet := gopacket.NewPacket(data, r.decoder, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	packet.Metadata().CaptureInfo = ci
	return r.extractor.ExtractPacket(packet), nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
