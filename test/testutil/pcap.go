package testutil

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// TCPFlags selects the flags of a synthetic TCP segment.
type TCPFlags struct {
	SYN, ACK, PSH, FIN, RST bool
}

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	baseTime  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// PcapBuilder assembles synthetic captures. Addresses are "ip:port" strings;
// IPv6 addresses use the bracketed form.
type PcapBuilder struct {
	t        testing.TB
	linkType layers.LinkType
	frames   [][]byte
}

// NewPcapBuilder creates a builder producing Ethernet frames.
func NewPcapBuilder(t testing.TB) *PcapBuilder {
	return &PcapBuilder{t: t, linkType: layers.LinkTypeEthernet}
}

// WithLinkType switches the link type. LinkTypeRaw omits the Ethernet header.
func (b *PcapBuilder) WithLinkType(lt layers.LinkType) *PcapBuilder {
	b.linkType = lt
	return b
}

// Frame appends a raw record as is.
func (b *PcapBuilder) Frame(data []byte) *PcapBuilder {
	b.frames = append(b.frames, data)
	return b
}

// TCP appends a TCP segment.
func (b *PcapBuilder) TCP(src, dst string, flags TCPFlags, seq, ack uint32, payload []byte) *PcapBuilder {
	b.t.Helper()
	srcIP, srcPort := b.splitAddr(src)
	dstIP, dstPort := b.splitAddr(dst)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		PSH:     flags.PSH,
		FIN:     flags.FIN,
		RST:     flags.RST,
		Window:  65535,
	}
	b.frames = append(b.frames, b.serialize(srcIP, dstIP, layers.IPProtocolTCP, tcp, payload))
	return b
}

// UDP appends a UDP datagram.
func (b *PcapBuilder) UDP(src, dst string, payload []byte) *PcapBuilder {
	b.t.Helper()
	srcIP, srcPort := b.splitAddr(src)
	dstIP, dstPort := b.splitAddr(dst)
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	b.frames = append(b.frames, b.serialize(srcIP, dstIP, layers.IPProtocolUDP, udp, payload))
	return b
}

// ARP appends an ARP request, which carries no IP payload.
func (b *PcapBuilder) ARP() *PcapBuilder {
	b.t.Helper()
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   clientMAC,
		SourceProtAddress: net.IPv4(10, 0, 0, 1).To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.IPv4(10, 0, 0, 2).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		b.t.Fatalf("failed to serialize ARP: %v", err)
	}
	b.frames = append(b.frames, append([]byte(nil), buf.Bytes()...))
	return b
}

// Len returns the number of records so far.
func (b *PcapBuilder) Len() int {
	return len(b.frames)
}

// Pcap returns the records as a classic pcap file.
func (b *PcapBuilder) Pcap() []byte {
	b.t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	if err := w.WriteFileHeader(65536, b.linkType); err != nil {
		b.t.Fatalf("failed to write pcap header: %v", err)
	}
	for i, frame := range b.frames {
		if err := w.WritePacket(captureInfo(i, frame), frame); err != nil {
			b.t.Fatalf("failed to write record %d: %v", i, err)
		}
	}
	return out.Bytes()
}

// PcapNG returns the records as a pcapng file.
func (b *PcapBuilder) PcapNG() []byte {
	b.t.Helper()
	var out bytes.Buffer
	w, err := pcapgo.NewNgWriter(&out, b.linkType)
	if err != nil {
		b.t.Fatalf("failed to write pcapng header: %v", err)
	}
	for i, frame := range b.frames {
		if err := w.WritePacket(captureInfo(i, frame), frame); err != nil {
			b.t.Fatalf("failed to write record %d: %v", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		b.t.Fatalf("failed to flush pcapng: %v", err)
	}
	return out.Bytes()
}

func captureInfo(i int, frame []byte) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     baseTime.Add(time.Duration(i) * time.Millisecond),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
}

func (b *PcapBuilder) splitAddr(addr string) (net.IP, int) {
	b.t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		b.t.Fatalf("bad address %q: %v", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		b.t.Fatalf("bad ip %q", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		b.t.Fatalf("bad port %q: %v", port, err)
	}
	return ip, p
}

func (b *PcapBuilder) serialize(src, dst net.IP, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) []byte {
	b.t.Helper()

	var netLayer gopacket.NetworkLayer
	var etherType layers.EthernetType
	if src.To4() != nil {
		netLayer = &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: src.To4(), DstIP: dst.To4()}
		etherType = layers.EthernetTypeIPv4
	} else {
		netLayer = &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src, DstIP: dst}
		etherType = layers.EthernetTypeIPv6
	}
	switch l := transport.(type) {
	case *layers.TCP:
		_ = l.SetNetworkLayerForChecksum(netLayer)
	case *layers.UDP:
		_ = l.SetNetworkLayerForChecksum(netLayer)
	}

	var stack []gopacket.SerializableLayer
	if b.linkType == layers.LinkTypeEthernet {
		stack = append(stack, &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: etherType})
	}
	stack = append(stack, netLayer.(gopacket.SerializableLayer), transport, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		b.t.Fatalf("failed to serialize packet: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// TCPConn writes one TCP conversation into a builder, tracking sequence
// numbers on both sides.
type TCPConn struct {
	b              *PcapBuilder
	client, server string
	cseq, sseq     uint32
	lastPayload    []byte
	lastSeq        uint32
}

// Dial records a three-way handshake from client to server.
func (b *PcapBuilder) Dial(client, server string) *TCPConn {
	c := &TCPConn{b: b, client: client, server: server, cseq: 1000, sseq: 5000}
	b.TCP(client, server, TCPFlags{SYN: true}, c.cseq, 0, nil)
	b.TCP(server, client, TCPFlags{SYN: true, ACK: true}, c.sseq, c.cseq+1, nil)
	c.cseq++
	c.sseq++
	b.TCP(client, server, TCPFlags{ACK: true}, c.cseq, c.sseq, nil)
	return c
}

// Send records a client payload.
func (c *TCPConn) Send(payload string) *TCPConn {
	c.lastPayload, c.lastSeq = []byte(payload), c.cseq
	c.b.TCP(c.client, c.server, TCPFlags{PSH: true, ACK: true}, c.cseq, c.sseq, []byte(payload))
	c.cseq += uint32(len(payload))
	return c
}

// Reply records a server payload.
func (c *TCPConn) Reply(payload string) *TCPConn {
	c.b.TCP(c.server, c.client, TCPFlags{PSH: true, ACK: true}, c.sseq, c.cseq, []byte(payload))
	c.sseq += uint32(len(payload))
	return c
}

// Retransmit repeats the last client payload with its original sequence
// number.
func (c *TCPConn) Retransmit() *TCPConn {
	c.b.TCP(c.client, c.server, TCPFlags{PSH: true, ACK: true}, c.lastSeq, c.sseq, c.lastPayload)
	return c
}

// Close records a client FIN.
func (c *TCPConn) Close() *TCPConn {
	c.b.TCP(c.client, c.server, TCPFlags{FIN: true, ACK: true}, c.cseq, c.sseq, nil)
	return c
}
