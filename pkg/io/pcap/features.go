package pcap

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	seqio "github.com/hed1ad/seqguard/pkg/io"
)

var _ seqio.FeatureExtractor = (*FeatureExtractor)(nil)

// Feature names, in the order of a full feature vector.
const (
	PacketSize   = "packet_size"
	InterArrival = "inter_arrival_time"
	Protocol     = "protocol"
	SrcPort      = "src_port"
	DstPort      = "dst_port"
	TCPFlags     = "tcp_flags"
	TTL          = "ip_ttl"
	PayloadSize  = "payload_size"
)

var allFeatures = []string{
	PacketSize,
	InterArrival,
	Protocol,
	SrcPort,
	DstPort,
	TCPFlags,
	TTL,
	PayloadSize,
}

// FeatureExtractor extracts numerical features from network packets. It
// remembers the previous timestamp, so one extractor serves one capture.
type FeatureExtractor struct {
	mu            sync.Mutex
	lastTimestamp time.Time
	selected      []int
	logScale      bool
}

// ExtractorOption configures a FeatureExtractor.
type ExtractorOption func(*FeatureExtractor) error

// WithFeatures keeps only the named features, in the given order.
func WithFeatures(names ...string) ExtractorOption {
	return func(e *FeatureExtractor) error {
		selected := make([]int, 0, len(names))
		for _, n := range names {
			idx := -1
			for i, f := range allFeatures {
				if f == n {
					idx = i
					break
				}
			}
			if idx < 0 {
				return fmt.Errorf("unknown packet feature %q", n)
			}
			selected = append(selected, idx)
		}
		if len(selected) == 0 {
			return fmt.Errorf("no packet features selected")
		}
		e.selected = selected
		return nil
	}
}

// WithLogScale maps every feature v to log(1+v), which keeps sizes and
// ports on a scale comparable to flags and timings.
func WithLogScale() ExtractorOption {
	return func(e *FeatureExtractor) error {
		e.logScale = true
		return nil
	}
}

// NewFeatureExtractor creates a new packet feature extractor.
func NewFeatureExtractor(opts ...ExtractorOption) (*FeatureExtractor, error) {
	e := &FeatureExtractor{}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Extract implements seqio.FeatureExtractor for gopacket.Packet values.
func (e *FeatureExtractor) Extract(data any) ([]float64, error) {
	packet, ok := data.(gopacket.Packet)
	if !ok {
		return nil, fmt.Errorf("cannot extract packet features from %T", data)
	}
	return e.ExtractPacket(packet), nil
}

// ExtractPacket converts a packet to a feature vector.
func (e *FeatureExtractor) ExtractPacket(packet gopacket.Packet) []float64 {
	features := make([]float64, len(allFeatures))

	features[0] = float64(len(packet.Data()))

	metadata := packet.Metadata()
	if metadata != nil && !metadata.Timestamp.IsZero() {
		e.mu.Lock()
		if !e.lastTimestamp.IsZero() {
			features[1] = metadata.Timestamp.Sub(e.lastTimestamp).Seconds()
		}
		e.lastTimestamp = metadata.Timestamp
		e.mu.Unlock()
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		features[2] = 6
		tcp := tcpLayer.(*layers.TCP)
		features[3] = float64(tcp.SrcPort)
		features[4] = float64(tcp.DstPort)
		features[5] = encodeTCPFlags(tcp)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		features[2] = 17
		udp := udpLayer.(*layers.UDP)
		features[3] = float64(udp.SrcPort)
		features[4] = float64(udp.DstPort)
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil {
		features[2] = 1
	}

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		features[6] = float64(ipLayer.(*layers.IPv4).TTL)
	}

	if appLayer := packet.ApplicationLayer(); appLayer != nil {
		features[7] = float64(len(appLayer.Payload()))
	}

	if e.logScale {
		for i, v := range features {
			features[i] = math.Log1p(math.Max(v, 0))
		}
	}

	if e.selected == nil {
		return features
	}
	out := make([]float64, len(e.selected))
	for i, idx := range e.selected {
		out[i] = features[idx]
	}
	return out
}

// FeatureNames returns the names of extracted features.
func (e *FeatureExtractor) FeatureNames() []string {
	if e.selected == nil {
		return append([]string(nil), allFeatures...)
	}
	names := make([]string, len(e.selected))
	for i, idx := range e.selected {
		names[i] = allFeatures[idx]
	}
	return names
}

// Reset forgets the previous packet timestamp.
func (e *FeatureExtractor) Reset() {
	e.mu.Lock()
	e.lastTimestamp = time.Time{}
	e.mu.Unlock()
}

// encodeTCPFlags packs SYN, ACK, FIN, RST, PSH and URG into bits 0 to 5.
func encodeTCPFlags(tcp *layers.TCP) float64 {
	var flags float64
	if tcp.SYN {
		flags += 1
	}
	if tcp.ACK {
		flags += 2
	}
	if tcp.FIN {
		flags += 4
	}
	if tcp.RST {
		flags += 8
	}
	if tcp.PSH {
		flags += 16
	}
	if tcp.URG {
		flags += 32
	}
	return flags
}
