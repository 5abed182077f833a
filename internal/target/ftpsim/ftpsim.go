// Package ftpsim is a small in-process FTP control-connection simulator used
// to demonstrate and test the fuzzer. Each session starts a fresh server; the
// state reported after every command combines the login phase with the reply
// code, so deeper protocol states show up as new graph nodes.
package ftpsim

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sessfuzz/sessfuzz/internal/capture"
	"github.com/sessfuzz/sessfuzz/internal/feedback"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// Phase is the login phase of a simulated control connection.
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseUserGiven
	PhaseLoggedIn
	PhasePassive
	PhaseTransferred
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseUserGiven:
		return "user-given"
	case PhaseLoggedIn:
		return "logged-in"
	case PhasePassive:
		return "passive"
	case PhaseTransferred:
		return "transferred"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// StateID packs a phase and reply code. It fits in 16 bits.
func StateID(p Phase, code int) stategraph.StateID {
	return stategraph.StateID(uint64(p)<<12 | uint64(code))
}

// Split is the inverse of StateID.
func Split(id stategraph.StateID) (Phase, int) {
	return Phase(id >> 12), int(id & 0xfff)
}

var accounts = map[string]string{
	"anonymous": "",
	"admin":     "hunter2",
}

// Server is one simulated control connection.
type Server struct {
	phase     Phase
	user      string
	cwd       string
	typeImage bool
}

// NewServer returns a server that has sent its greeting.
func NewServer() *Server {
	return &Server{phase: PhaseConnected, cwd: "/"}
}

// Phase returns the current login phase.
func (s *Server) Phase() Phase {
	return s.phase
}

// Handle processes one command line and returns the reply code.
func (s *Server) Handle(line []byte) int {
	if s.phase == PhaseClosed {
		return 421
	}
	line = bytes.TrimRight(line, "\r\n")
	cmd := string(capture.TextCommandTagger(line))
	arg := ""
	if i := bytes.IndexByte(line, ' '); i >= 0 {
		arg = string(line[i+1:])
	}

	switch cmd {
	case "USER":
		if s.phase >= PhaseLoggedIn {
			return 503
		}
		if arg == "" {
			return 501
		}
		s.user = arg
		s.phase = PhaseUserGiven
		return 331
	case "PASS":
		if s.phase != PhaseUserGiven {
			return 503
		}
		want, ok := accounts[s.user]
		if !ok || (want != "" && want != arg) {
			s.phase = PhaseConnected
			return 530
		}
		s.phase = PhaseLoggedIn
		return 230
	case "QUIT":
		s.phase = PhaseClosed
		return 221
	case "NOOP":
		return 200
	}

	if s.phase < PhaseLoggedIn {
		if cmd == "" {
			return 500
		}
		return 530
	}

	switch cmd {
	case "CWD":
		switch arg {
		case "/", "/pub", "/incoming":
			s.cwd = arg
			return 250
		case "/etc":
			if s.user == "admin" {
				s.cwd = arg
				return 250
			}
		}
		return 550
	case "PWD":
		return 257
	case "TYPE":
		switch arg {
		case "I", "L 8":
			s.typeImage = true
			return 200
		case "A", "A N":
			s.typeImage = false
			return 200
		}
		return 504
	case "PASV":
		s.phase = PhasePassive
		return 227
	case "LIST", "RETR", "STOR":
		if s.phase != PhasePassive {
			return 425
		}
		if cmd == "STOR" && s.cwd != "/incoming" {
			return 553
		}
		if cmd == "RETR" && !s.typeImage {
			return 451
		}
		s.phase = PhaseTransferred
		return 226
	default:
		return 502
	}
}

// Options configures a Target.
type Options struct {
	// Width is the state id width ExecuteRaw encodes with: 2, 4 or 8.
	Width int
}

// Target runs sessions against fresh simulated servers. It is safe for
// concurrent use.
type Target struct {
	width int
}

// New creates a target.
func New(opts Options) (*Target, error) {
	switch opts.Width {
	case 0:
		opts.Width = 8
	case 2, 4, 8:
	default:
		return nil, fmt.Errorf("unsupported state id width %d", opts.Width)
	}
	return &Target{width: opts.Width}, nil
}

// Execute replays in and returns the state after every message. The trace
// ends after QUIT.
func (t *Target) Execute(ctx context.Context, in *session.Input) ([]stategraph.StateID, error) {
	srv := NewServer()
	trace := make([]stategraph.StateID, 0, in.Len())
	for _, msg := range in.Messages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code := srv.Handle(msg.Bytes())
		trace = append(trace, StateID(srv.Phase(), code))
		if srv.Phase() == PhaseClosed {
			break
		}
	}
	return trace, nil
}

// ExecuteRaw is Execute with the trace encoded the way external
// instrumentation reports it.
func (t *Target) ExecuteRaw(ctx context.Context, in *session.Input) ([]byte, error) {
	trace, err := t.Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	return feedback.EncodeTrace(trace, t.width)
}

// Seeds returns a few typical client sessions, tagged by command.
func Seeds() []*session.Input {
	scripts := [][]string{
		{"USER anonymous\r\n", "PASS guest\r\n", "QUIT\r\n"},
		{"USER anonymous\r\n", "PASS guest\r\n", "PASV\r\n", "LIST\r\n", "QUIT\r\n"},
		{"USER admin\r\n", "PASS wrong\r\n", "USER admin\r\n", "PASS hunter2\r\n", "CWD /pub\r\n"},
		{"NOOP\r\n", "TYPE I\r\n"},
	}
	seeds := make([]*session.Input, len(scripts))
	for i, lines := range scripts {
		msgs := make([]session.Message, len(lines))
		for j, line := range lines {
			msgs[j] = session.NewMessage(capture.TextCommandTagger([]byte(line)), []byte(line))
		}
		seeds[i] = session.New(msgs...)
	}
	return seeds
}
