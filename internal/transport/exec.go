package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sessfuzz/sessfuzz/internal/engine"
	"github.com/sessfuzz/sessfuzz/internal/protocol"
	"github.com/sessfuzz/sessfuzz/internal/session"
)

var _ engine.RawExecutor = (*Transport)(nil)

// ExecuteRaw sends in to the agent and waits for the raw trace (connect
// mode). Requests are serialized. A timeout or a FAIL reply fails only this
// execution; an agent that says BYE aborts the campaign.
func (t *Transport) ExecuteRaw(ctx context.Context, in *session.Input) ([]byte, error) {
	if t.mode != ModeConnect {
		return nil, fmt.Errorf("%w: ExecuteRaw needs connect mode", ErrWrongMode)
	}
	if !t.IsConnected() {
		return nil, fmt.Errorf("%w: %w", engine.ErrAbort, ErrNotConnected)
	}

	t.exchange.Lock()
	defer t.exchange.Unlock()

	t.nextID++
	id := t.nextID
	req, err := t.codec.EncodeExec(id, in)
	if err != nil {
		return nil, err
	}
	if err := t.send(req, t.peerAddr); err != nil {
		return nil, fmt.Errorf("failed to send EXEC: %w", err)
	}

	until := time.Now().Add(t.replyTimeout)
	for {
		msg, addr, err := t.read(ctx, until)
		if errors.Is(err, errReadTimeout) {
			return nil, fmt.Errorf("%w: request %d after %v", ErrReplyTimeout, id, t.replyTimeout)
		}
		if err != nil {
			return nil, err
		}
		if !addrEqual(addr, t.peerAddr) {
			continue
		}

		switch msg.Type {
		case protocol.MsgTrace, protocol.MsgFail:
			if msg.ID != id {
				// Late answer to a request that already timed out.
				t.logger.Trace("Dropping %s for request %d, waiting for %d", protocol.MessageTypeName(msg.Type), msg.ID, id)
				continue
			}
			if msg.Type == protocol.MsgFail {
				return nil, fmt.Errorf("%w: %s", ErrRemote, msg.Reason)
			}
			return msg.Trace, nil
		case protocol.MsgBye:
			t.disconnect()
			t.logger.Warn("Agent %s disconnected", addr)
			return nil, fmt.Errorf("%w: %w", engine.ErrAbort, ErrPeerGone)
		default:
			t.logger.Debug("Unexpected %s from agent", protocol.MessageTypeName(msg.Type))
		}
	}
}

// AgentStats counts what an agent served.
type AgentStats struct {
	Requests uint64
	Failures uint64
	Sessions uint64
}

// Serve answers EXEC requests with exec until ctx is done (listen mode). A
// new HELLO, from the current fuzzer or another one, replaces the session.
// On return the peer is told BYE.
func (t *Transport) Serve(ctx context.Context, exec engine.RawExecutor) (AgentStats, error) {
	var stats AgentStats
	if t.mode != ModeListen {
		return stats, fmt.Errorf("%w: Serve needs listen mode", ErrWrongMode)
	}
	defer func() { _ = t.SendBye() }()

	t.exchange.Lock()
	defer t.exchange.Unlock()

	for {
		msg, addr, err := t.read(ctx, time.Time{})
		if err != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, err
		}

		if msg.Type == protocol.MsgHello {
			if err := t.accept(msg, addr); err != nil {
				return stats, err
			}
			stats.Sessions++
			continue
		}
		if !t.IsConnected() || !addrEqual(addr, t.PeerAddr()) {
			_ = t.send(t.codec.EncodeBye(), addr)
			t.logger.Debug("%s from unknown peer %s, sent BYE", protocol.MessageTypeName(msg.Type), addr)
			continue
		}

		switch msg.Type {
		case protocol.MsgExec:
			stats.Requests++
			reply := t.run(ctx, exec, msg)
			if reply == nil {
				return stats, nil
			}
			if reply[0] == protocol.MsgFail {
				stats.Failures++
			}
			if err := t.send(reply, addr); err != nil {
				t.logger.Warn("Failed to answer request %d: %v", msg.ID, err)
			}
		case protocol.MsgBye:
			t.disconnect()
			t.logger.Info("Fuzzer %s disconnected", addr)
		default:
			t.logger.Debug("Unexpected %s from fuzzer", protocol.MessageTypeName(msg.Type))
		}
	}
}

// run executes one request and returns the encoded reply, or nil when ctx
// was cancelled mid-execution.
func (t *Transport) run(ctx context.Context, exec engine.RawExecutor, req *protocol.Message) []byte {
	trace, err := exec.ExecuteRaw(ctx, req.Input)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		t.logger.Debug("Request %d failed: %v", req.ID, err)
		return t.codec.EncodeFail(req.ID, err.Error())
	}
	reply, err := t.codec.EncodeTrace(req.ID, trace)
	if err != nil {
		return t.codec.EncodeFail(req.ID, err.Error())
	}
	return reply
}
