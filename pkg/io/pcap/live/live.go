// Package live captures packets from a network interface through libpcap.
// It is kept apart from package pcap, which reads capture files in pure Go,
// because it needs cgo.
package live

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	seqpcap "github.com/hed1ad/seqguard/pkg/io/pcap"
)

// Config describes a live capture.
type Config struct {
	Interface string
	Snaplen   int32
	Promisc   bool
	Timeout   time.Duration
	// Filter is an optional BPF expression.
	Filter string
}

// DefaultConfig captures full packets with a one second read timeout.
func DefaultConfig(iface string) Config {
	return Config{
		Interface: iface,
		Snaplen:   65536,
		Timeout:   time.Second,
	}
}

// Open starts capturing on cfg.Interface.
func Open(cfg Config, opts ...seqpcap.Option) (*seqpcap.Reader, error) {
	handle, err := pcap.OpenLive(cfg.Interface, cfg.Snaplen, cfg.Promisc, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
	}

	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set filter %q: %w", cfg.Filter, err)
		}
	}

	src := source{handle}
	return seqpcap.NewSourceReader(src, handle.LinkType(), src, opts...), nil
}

// source hides read timeouts so that an idle interface does not end the
// capture.
type source struct {
	handle *pcap.Handle
}

func (s source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	for {
		data, ci, err := s.handle.ReadPacketData()
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			continue
		}
		return data, ci, err
	}
}

func (s source) Close() error {
	s.handle.Close()
	return nil
}
