package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrUnknownFormat is returned when the input is neither pcap nor pcapng.
var ErrUnknownFormat = errors.New("unknown capture format")

// Format is the container format of a capture file.
type Format int

const (
	FormatPcap Format = iota
	FormatPcapNG
)

func (f Format) String() string {
	if f == FormatPcapNG {
		return "pcapng"
	}
	return "pcap"
}

// File magics, as read big-endian from the first four bytes.
const (
	magicPcapMicro        = 0xa1b2c3d4
	magicPcapMicroSwapped = 0xd4c3b2a1
	magicPcapNano         = 0xa1b23c4d
	magicPcapNanoSwapped  = 0x4d3cb2a1
	magicPcapNG           = 0x0a0d0d0a
)

// Link types without a named constant in layers.
const (
	linkTypeIPv4 layers.LinkType = 228
	linkTypeIPv6 layers.LinkType = 229
)

// packetSource is what both pcapgo readers provide.
type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// DetectFormat peeks at the file magic without consuming it.
func DetectFormat(r *bufio.Reader) (Format, error) {
	head, err := r.Peek(4)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	switch binary.BigEndian.Uint32(head) {
	case magicPcapMicro, magicPcapMicroSwapped, magicPcapNano, magicPcapNanoSwapped:
		return FormatPcap, nil
	case magicPcapNG:
		return FormatPcapNG, nil
	default:
		return 0, fmt.Errorf("%w: magic 0x%08x", ErrUnknownFormat, binary.BigEndian.Uint32(head))
	}
}

func openSource(r io.Reader) (packetSource, Format, error) {
	br := bufio.NewReader(r)
	format, err := DetectFormat(br)
	if err != nil {
		return nil, 0, err
	}
	switch format {
	case FormatPcapNG:
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, format, fmt.Errorf("failed to read pcapng header: %w", err)
		}
		return ng, format, nil
	default:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("failed to read pcap header: %w", err)
		}
		return pr, format, nil
	}
}

// decoderFor returns the first-layer decoder for a link type, or false if the
// link type is not supported.
func decoderFor(lt layers.LinkType, data []byte) (gopacket.Decoder, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, true
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, true
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, true
	case layers.LinkTypeRaw, linkTypeIPv4, linkTypeIPv6:
		if len(data) == 0 {
			return nil, false
		}
		switch data[0] >> 4 {
		case 4:
			return layers.LayerTypeIPv4, true
		case 6:
			return layers.LayerTypeIPv6, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// EtherTypeName returns a human-readable name for common EtherTypes.
func EtherTypeName(etherType layers.EthernetType) string {
	switch etherType {
	case layers.EthernetTypeIPv4:
		return "IPv4"
	case layers.EthernetTypeIPv6:
		return "IPv6"
	case layers.EthernetTypeARP:
		return "ARP"
	default:
		return fmt.Sprintf("0x%04X", uint16(etherType))
	}
}
