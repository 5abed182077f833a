// Package capture turns recorded network traffic into seed sessions. Every
// TCP or UDP conversation in a pcap or pcapng file becomes one input whose
// messages are the client's application payloads in capture order.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/metrics"
	"github.com/sessfuzz/sessfuzz/internal/session"
)

// Skip reasons reported in Stats.SkippedReasons.
const (
	SkipReadError      = "read-error"
	SkipLinkType       = "unsupported-link-type"
	SkipMalformed      = "malformed"
	SkipNonIP          = "non-ip"
	SkipTransport      = "unsupported-transport"
	SkipRetransmission = "retransmission"
	SkipTruncated      = "truncated"
)

// Stats summarizes an import. Skipped is the sum of SkippedReasons; records
// count toward it except for SkipTruncated, which counts messages cut from
// sessions longer than the maximum.
type Stats struct {
	Records        int
	Sessions       int
	Messages       int
	Skipped        int
	SkippedReasons map[string]int
}

// Config holds importer settings and dependencies.
type Config struct {
	// IncludeResponses keeps server payloads as messages too.
	IncludeResponses bool
	// MaxSessionLength truncates longer sessions. Zero means no limit.
	MaxSessionLength int
	// Tagger defaults to NoTagger.
	Tagger   Tagger
	Logger   *logging.Logger
	Recorder metrics.Recorder
	Events   events.Emitter
}

// Importer reads capture files into sessions. It keeps no state between
// imports and is safe for concurrent use.
type Importer struct {
	includeResponses bool
	maxLen           int
	tagger           Tagger
	logger           *logging.Logger
	recorder         metrics.Recorder
	events           events.Emitter
}

// New creates an importer.
func New(cfg Config) (*Importer, error) {
	if cfg.MaxSessionLength < 0 {
		return nil, fmt.Errorf("max session length must be >= 0")
	}
	tagger := cfg.Tagger
	if tagger == nil {
		tagger = NoTagger
	}
	return &Importer{
		includeResponses: cfg.IncludeResponses,
		maxLen:           cfg.MaxSessionLength,
		tagger:           tagger,
		logger:           logging.OrDiscard(cfg.Logger).Named("capture"),
		recorder:         metrics.OrNoop(cfg.Recorder),
		events:           events.OrNop(cfg.Events),
	}, nil
}

// endpoint is one side of a conversation.
type endpoint struct {
	net, transport gopacket.Endpoint
}

func (e endpoint) String() string {
	return e.net.String() + ":" + e.transport.String()
}

func (e endpoint) lessThan(o endpoint) bool {
	if e.net != o.net {
		return e.net.LessThan(o.net)
	}
	return e.transport.LessThan(o.transport)
}

// sessionKey identifies a conversation regardless of direction.
type sessionKey struct {
	proto  gopacket.LayerType
	lo, hi endpoint
}

func newSessionKey(proto gopacket.LayerType, src, dst endpoint) sessionKey {
	if dst.lessThan(src) {
		src, dst = dst, src
	}
	return sessionKey{proto: proto, lo: src, hi: dst}
}

type segment struct {
	from    endpoint
	payload []byte
}

type conversation struct {
	client   endpoint
	bySYN    bool
	segments []segment
	seenSeq  map[endpoint]map[uint32]struct{}
}

// ImportFile imports the capture at path.
func (im *Importer) ImportFile(path string) ([]*session.Input, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	inputs, stats, err := im.importFrom(f, filepath.Base(path))
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", path, err)
	}
	return inputs, stats, nil
}

// Import reads a pcap or pcapng stream. Only a broken file header is an
// error; bad records are counted in Stats and skipped.
func (im *Importer) Import(r io.Reader) ([]*session.Input, Stats, error) {
	return im.importFrom(r, "")
}

func (im *Importer) importFrom(r io.Reader, source string) ([]*session.Input, Stats, error) {
	stats := Stats{SkippedReasons: make(map[string]int)}

	src, format, err := openSource(r)
	if err != nil {
		return nil, stats, err
	}
	linkType := src.LinkType()
	im.logger.Debug("Reading %s capture, link type %s", format, linkType)

	var order []sessionKey
	convs := make(map[sessionKey]*conversation)

	for {
		data, _, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A damaged record leaves the reader out of sync; keep what we have.
			stats.Records++
			im.skip(&stats, SkipReadError, "record %d: %v", stats.Records, err)
			break
		}
		stats.Records++

		decoder, ok := decoderFor(linkType, data)
		if !ok {
			im.skip(&stats, SkipLinkType, "record %d: link type %s", stats.Records, linkType)
			continue
		}
		packet := gopacket.NewPacket(data, decoder, gopacket.DecodeOptions{NoCopy: true})

		netLayer := packet.NetworkLayer()
		transport := packet.TransportLayer()
		if errLayer := packet.ErrorLayer(); errLayer != nil && transport == nil {
			im.skip(&stats, SkipMalformed, "record %d: %v", stats.Records, errLayer.Error())
			continue
		}
		if netLayer == nil {
			if eth, ok := packet.LinkLayer().(*layers.Ethernet); ok {
				im.skip(&stats, SkipNonIP, "record %d: ethertype %s", stats.Records, EtherTypeName(eth.EthernetType))
			} else {
				im.skip(&stats, SkipNonIP, "record %d", stats.Records)
			}
			continue
		}
		if transport == nil {
			im.skip(&stats, SkipTransport, "record %d", stats.Records)
			continue
		}

		var tcp *layers.TCP
		switch l := transport.(type) {
		case *layers.TCP:
			tcp = l
		case *layers.UDP:
		default:
			im.skip(&stats, SkipTransport, "record %d: %s", stats.Records, transport.LayerType())
			continue
		}

		from := endpoint{net: netLayer.NetworkFlow().Src(), transport: transport.TransportFlow().Src()}
		to := endpoint{net: netLayer.NetworkFlow().Dst(), transport: transport.TransportFlow().Dst()}
		key := newSessionKey(transport.LayerType(), from, to)

		conv, ok := convs[key]
		if !ok {
			conv = &conversation{client: from, seenSeq: make(map[endpoint]map[uint32]struct{})}
			convs[key] = conv
			order = append(order, key)
		}
		if tcp != nil && tcp.SYN && !tcp.ACK && !conv.bySYN {
			conv.client = from
			conv.bySYN = true
		}

		payload := transport.LayerPayload()
		if len(payload) == 0 {
			continue
		}
		if tcp != nil {
			seqs := conv.seenSeq[from]
			if seqs == nil {
				seqs = make(map[uint32]struct{})
				conv.seenSeq[from] = seqs
			}
			if _, dup := seqs[tcp.Seq]; dup {
				im.skip(&stats, SkipRetransmission, "record %d: seq %d from %s", stats.Records, tcp.Seq, from)
				continue
			}
			seqs[tcp.Seq] = struct{}{}
		}
		conv.segments = append(conv.segments, segment{from: from, payload: bytes.Clone(payload)})
	}

	var inputs []*session.Input
	for _, key := range order {
		in := im.assemble(convs[key], &stats)
		if in == nil {
			continue
		}
		inputs = append(inputs, in)
		stats.Sessions++
		stats.Messages += in.Len()
	}

	im.logger.Info("Imported %d sessions (%d messages) from %d records, %d skipped",
		stats.Sessions, stats.Messages, stats.Records, stats.Skipped)
	im.events.Emit(events.EventImport, events.ImportData{
		Source:   source,
		Records:  stats.Records,
		Sessions: stats.Sessions,
		Messages: stats.Messages,
		Skipped:  stats.SkippedReasons,
	})
	return inputs, stats, nil
}

func (im *Importer) assemble(conv *conversation, stats *Stats) *session.Input {
	var msgs []session.Message
	for _, seg := range conv.segments {
		if seg.from != conv.client && !im.includeResponses {
			continue
		}
		msgs = append(msgs, session.NewMessage(im.tagger(seg.payload), seg.payload))
	}
	if len(msgs) == 0 {
		return nil
	}
	if im.maxLen > 0 && len(msgs) > im.maxLen {
		cut := len(msgs) - im.maxLen
		stats.Skipped += cut
		stats.SkippedReasons[SkipTruncated] += cut
		for i := 0; i < cut; i++ {
			im.recorder.IncImportSkipped(SkipTruncated)
		}
		im.logger.Debug("Truncated session from %s by %d messages", conv.client, cut)
		msgs = msgs[:im.maxLen]
	}
	return session.New(msgs...)
}

func (im *Importer) skip(stats *Stats, reason, format string, args ...interface{}) {
	stats.Skipped++
	stats.SkippedReasons[reason]++
	im.recorder.IncImportSkipped(reason)
	im.logger.Debug("Skipping "+reason+": "+format, args...)
}
