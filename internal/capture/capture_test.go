package capture

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
	"github.com/sessfuzz/sessfuzz/test/testutil"
)

const (
	clientA = "10.0.0.1:40000"
	clientB = "10.0.0.3:40001"
	server  = "10.0.0.2:21"
)

func newImporter(t *testing.T, cfg Config) *Importer {
	t.Helper()
	im, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return im
}

func payloads(in *session.Input) []string {
	var out []string
	for _, m := range in.Messages() {
		out = append(out, string(m.Bytes()))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// twoSessions interleaves a 3-message and a 5-message FTP conversation.
func twoSessions(t *testing.T) *testutil.PcapBuilder {
	b := testutil.NewPcapBuilder(t)
	a := b.Dial(clientA, server)
	c := b.Dial(clientB, server)
	a.Reply("220 ready\r\n").Send("USER a\r\n")
	c.Reply("220 ready\r\n").Send("USER b\r\n")
	a.Reply("331 password\r\n").Send("PASS x\r\n")
	c.Send("PASS y\r\n").Send("CWD /\r\n")
	a.Send("QUIT\r\n").Close()
	c.Send("LIST\r\n").Send("QUIT\r\n").Close()
	return b
}

func TestImport_TwoSessions(t *testing.T) {
	for _, tc := range []struct {
		name string
		file func(*testutil.PcapBuilder) []byte
	}{
		{"pcap", (*testutil.PcapBuilder).Pcap},
		{"pcapng", (*testutil.PcapBuilder).PcapNG},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := twoSessions(t)
			im := newImporter(t, Config{})

			inputs, stats, err := im.Import(bytes.NewReader(tc.file(b)))
			if err != nil {
				t.Fatalf("Import() error: %v", err)
			}
			if len(inputs) != 2 {
				t.Fatalf("got %d sessions, want 2", len(inputs))
			}

			wantA := []string{"USER a\r\n", "PASS x\r\n", "QUIT\r\n"}
			wantB := []string{"USER b\r\n", "PASS y\r\n", "CWD /\r\n", "LIST\r\n", "QUIT\r\n"}
			if got := payloads(inputs[0]); !equalStrings(got, wantA) {
				t.Errorf("session A = %q, want %q", got, wantA)
			}
			if got := payloads(inputs[1]); !equalStrings(got, wantB) {
				t.Errorf("session B = %q, want %q", got, wantB)
			}

			if stats.Records != b.Len() {
				t.Errorf("records = %d, want %d", stats.Records, b.Len())
			}
			if stats.Sessions != 2 || stats.Messages != 8 {
				t.Errorf("sessions = %d, messages = %d, want 2 and 8", stats.Sessions, stats.Messages)
			}
			if stats.Skipped != 0 {
				t.Errorf("skipped = %d (%v), want 0", stats.Skipped, stats.SkippedReasons)
			}
		})
	}
}

func TestImport_IncludeResponses(t *testing.T) {
	b := testutil.NewPcapBuilder(t)
	b.Dial(clientA, server).Reply("220 ready\r\n").Send("USER a\r\n").Reply("331 ok\r\n")

	im := newImporter(t, Config{IncludeResponses: true})
	inputs, _, err := im.Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	want := []string{"220 ready\r\n", "USER a\r\n", "331 ok\r\n"}
	if len(inputs) != 1 || !equalStrings(payloads(inputs[0]), want) {
		t.Fatalf("got %v, want one session %q", inputs, want)
	}
}

func TestImport_SYNDecidesClient(t *testing.T) {
	b := testutil.NewPcapBuilder(t)
	// Capture starts with a stray server segment; the later SYN still marks
	// the client.
	b.TCP(server, clientA, testutil.TCPFlags{PSH: true, ACK: true}, 9000, 1, []byte("stale\r\n"))
	b.Dial(clientA, server).Reply("220 ready\r\n").Send("NOOP\r\n")

	inputs, _, err := newImporter(t, Config{}).Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(inputs) != 1 || !equalStrings(payloads(inputs[0]), []string{"NOOP\r\n"}) {
		t.Fatalf("unexpected sessions: %v", inputs)
	}
}

func TestImport_FirstSenderIsClientWithoutSYN(t *testing.T) {
	b := testutil.NewPcapBuilder(t)
	b.UDP("10.0.0.9:5000", "10.0.0.2:53", []byte("query-1"))
	b.UDP("10.0.0.2:53", "10.0.0.9:5000", []byte("answer"))
	b.UDP("10.0.0.9:5000", "10.0.0.2:53", []byte("query-2"))

	inputs, stats, err := newImporter(t, Config{}).Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(inputs) != 1 {
		t.Fatalf("got %d sessions, want 1", len(inputs))
	}
	if got := payloads(inputs[0]); !equalStrings(got, []string{"query-1", "query-2"}) {
		t.Errorf("payloads = %q", got)
	}
	if stats.Messages != 2 {
		t.Errorf("messages = %d, want 2", stats.Messages)
	}
}

func TestImport_DropsRetransmissions(t *testing.T) {
	b := testutil.NewPcapBuilder(t)
	b.Dial(clientA, server).Send("USER a\r\n").Retransmit().Send("PASS x\r\n")

	rec := testutil.NewMockRecorder()
	inputs, stats, err := newImporter(t, Config{Recorder: rec}).Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if got := payloads(inputs[0]); !equalStrings(got, []string{"USER a\r\n", "PASS x\r\n"}) {
		t.Errorf("payloads = %q", got)
	}
	if stats.SkippedReasons[SkipRetransmission] != 1 {
		t.Errorf("retransmissions = %d, want 1", stats.SkippedReasons[SkipRetransmission])
	}
	if rec.SkippedCount(SkipRetransmission) != 1 {
		t.Errorf("recorder retransmissions = %d, want 1", rec.SkippedCount(SkipRetransmission))
	}
}

func TestImport_Truncates(t *testing.T) {
	b := testutil.NewPcapBuilder(t)
	conn := b.Dial(clientA, server)
	for _, cmd := range []string{"A\r\n", "B\r\n", "C\r\n", "D\r\n", "E\r\n"} {
		conn.Send(cmd)
	}

	inputs, stats, err := newImporter(t, Config{MaxSessionLength: 2}).Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if inputs[0].Len() != 2 {
		t.Errorf("len = %d, want 2", inputs[0].Len())
	}
	if stats.SkippedReasons[SkipTruncated] != 3 || stats.Messages != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestImport_SkipsUnusableRecords(t *testing.T) {
	b := testutil.NewPcapBuilder(t)
	b.ARP()
	b.Frame([]byte{0x01, 0x02, 0x03})                   // shorter than an Ethernet header
	b.Frame(append(make([]byte, 12), 0x08, 0x00, 0x45)) // IPv4 header cut short
	b.Dial(clientA, server).Send("USER a\r\n")

	inputs, stats, err := newImporter(t, Config{}).Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(inputs) != 1 || inputs[0].Len() != 1 {
		t.Fatalf("unexpected sessions: %v", inputs)
	}
	if stats.Records != b.Len() {
		t.Errorf("records = %d, want %d", stats.Records, b.Len())
	}
	if stats.Skipped != 3 {
		t.Errorf("skipped = %d (%v), want 3", stats.Skipped, stats.SkippedReasons)
	}
	if stats.SkippedReasons[SkipNonIP] != 1 {
		t.Errorf("non-ip = %d, want 1", stats.SkippedReasons[SkipNonIP])
	}
	if stats.SkippedReasons[SkipMalformed] != 2 {
		t.Errorf("malformed = %d, want 2", stats.SkippedReasons[SkipMalformed])
	}
}

func TestImport_TruncatedRecordKeepsEarlierSessions(t *testing.T) {
	b := testutil.NewPcapBuilder(t)
	b.Dial(clientA, server).Send("USER a\r\n")
	data := b.Pcap()
	// Drop the tail of the last record.
	data = data[:len(data)-4]

	inputs, stats, err := newImporter(t, Config{}).Import(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(inputs) != 0 {
		t.Errorf("got %d sessions, want 0", len(inputs))
	}
	if stats.SkippedReasons[SkipReadError] != 1 {
		t.Errorf("read errors = %d, want 1", stats.SkippedReasons[SkipReadError])
	}
	if stats.Records != b.Len() {
		t.Errorf("records = %d, want %d", stats.Records, b.Len())
	}
}

func TestImport_RawLinkTypeAndIPv6(t *testing.T) {
	b := testutil.NewPcapBuilder(t).WithLinkType(layers.LinkTypeRaw)
	b.Dial("[fd00::1]:40000", "[fd00::2]:25").Send("HELO x\r\n").Send("QUIT\r\n")
	b.Dial("10.0.0.1:40000", "10.0.0.2:25").Send("EHLO y\r\n")

	inputs, stats, err := newImporter(t, Config{}).Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(inputs) != 2 {
		t.Fatalf("got %d sessions (%+v), want 2", len(inputs), stats)
	}
	if inputs[0].Len() != 2 || inputs[1].Len() != 1 {
		t.Errorf("lengths = %d, %d", inputs[0].Len(), inputs[1].Len())
	}
}

func TestImport_UnsupportedLinkType(t *testing.T) {
	b := testutil.NewPcapBuilder(t).WithLinkType(layers.LinkTypeIEEE802_11)
	b.Frame([]byte{0x08, 0x00, 0x00, 0x00})

	inputs, stats, err := newImporter(t, Config{}).Import(bytes.NewReader(b.Pcap()))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(inputs) != 0 || stats.SkippedReasons[SkipLinkType] != 1 {
		t.Errorf("inputs = %d, stats = %+v", len(inputs), stats)
	}
}

func TestImport_BadHeader(t *testing.T) {
	im := newImporter(t, Config{})
	if _, _, err := im.Import(bytes.NewReader([]byte("not a capture file"))); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
	if _, _, err := im.Import(bytes.NewReader(nil)); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
	// Valid magic, header cut short.
	if _, _, err := im.Import(bytes.NewReader([]byte{0xd4, 0xc3, 0xb2, 0xa1, 0x02})); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestImportFile(t *testing.T) {
	path := testutil.WriteTempFile(t, "ftp.pcapng", twoSessions(t).PcapNG())
	em := testutil.NewMockEmitter()

	im := newImporter(t, Config{Tagger: TextCommandTagger, Events: em})
	inputs, _, err := im.ImportFile(path)
	if err != nil {
		t.Fatalf("ImportFile() error: %v", err)
	}
	if inputs[0].At(0).Tag != "USER" || inputs[1].At(3).Tag != "LIST" {
		t.Errorf("tags = %q, %q", inputs[0].At(0).Tag, inputs[1].At(3).Tag)
	}

	imports := em.OfType(events.EventImport)
	if len(imports) != 1 {
		t.Fatalf("got %d import events, want 1", len(imports))
	}
	data := imports[0].Data.(events.ImportData)
	if data.Source != "ftp.pcapng" || data.Sessions != 2 || data.Messages != 8 {
		t.Errorf("import event = %+v", data)
	}

	if _, _, err := im.ImportFile(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTextCommandTagger(t *testing.T) {
	tests := []struct {
		payload string
		want    stategraph.Tag
	}{
		{"user anonymous\r\n", "USER"},
		{"PASS secret\r\n", "PASS"},
		{"QUIT\r\n", "QUIT"},
		{"NOOP", "NOOP"},
		{"", stategraph.NoTag},
		{" leading space", stategraph.NoTag},
		{"\x00\x01binary", stategraph.NoTag},
		{"AVERYLONGCOMMANDWORD arg", stategraph.NoTag},
	}
	for _, tt := range tests {
		if got := TextCommandTagger([]byte(tt.payload)); got != tt.want {
			t.Errorf("TextCommandTagger(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestTaggerByName(t *testing.T) {
	for _, name := range []string{"", "none", "text"} {
		if _, err := TaggerByName(name); err != nil {
			t.Errorf("TaggerByName(%q) error: %v", name, err)
		}
	}
	if _, err := TaggerByName("regex"); err == nil {
		t.Error("expected error for unknown tagger")
	}
}

func TestEtherTypeName(t *testing.T) {
	tests := []struct {
		etherType layers.EthernetType
		expected  string
	}{
		{layers.EthernetTypeIPv4, "IPv4"},
		{layers.EthernetTypeIPv6, "IPv6"},
		{layers.EthernetTypeARP, "ARP"},
		{0x1234, "0x1234"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := EtherTypeName(tt.etherType); result != tt.expected {
				t.Errorf("EtherTypeName(0x%04X) = %s, want %s", uint16(tt.etherType), result, tt.expected)
			}
		})
	}
}

func TestNew_RejectsNegativeLength(t *testing.T) {
	if _, err := New(Config{MaxSessionLength: -1}); err == nil {
		t.Error("expected error")
	}
}

func FuzzImport(f *testing.F) {
	f.Add(twoSessionsSeed(f))
	f.Add([]byte{0xd4, 0xc3, 0xb2, 0xa1})
	f.Add([]byte{})

	im, err := New(Config{IncludeResponses: true, MaxSessionLength: 8})
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		inputs, stats, err := im.Import(bytes.NewReader(data))
		if err != nil {
			return
		}
		if len(inputs) != stats.Sessions {
			t.Errorf("sessions = %d, inputs = %d", stats.Sessions, len(inputs))
		}
		for _, in := range inputs {
			if in.Len() == 0 || in.Len() > 8 {
				t.Errorf("session length %d out of range", in.Len())
			}
		}
	})
}

func twoSessionsSeed(f *testing.F) []byte {
	b := testutil.NewPcapBuilder(f)
	b.Dial(clientA, server).Send("USER a\r\n").Reply("331\r\n")
	return b.Pcap()
}
