package hl7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const readBufferSize = 4096

// State is the position of a session in its read/process/reply cycle.
type State int

const (
	StateAwaitingFrame State = iota
	StateFrameComplete
	StateProcessing
	StateReplying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingFrame:
		return "AwaitingFrame"
	case StateFrameComplete:
		return "FrameComplete"
	case StateProcessing:
		return "Processing"
	case StateReplying:
		return "Replying"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome summarises a successfully processed message.
type Outcome struct {
	Handler         string
	Persisted       int
	Skipped         int
	PatientsCreated int
}

// Processor applies a parsed message to the system. Any returned error is
// answered with a NACK.
type Processor interface {
	Process(ctx context.Context, msg *Message) (Outcome, error)
}

// Journal records inbound messages and their outcome. Errors from a journal
// never change the reply sent to the peer.
type Journal interface {
	Received(ctx context.Context, msg *Message, sourceAddr string) (string, error)
	Completed(ctx context.Context, id string, msg *Message, elapsed time.Duration, procErr error) error
}

// Observer receives session events for metrics.
type Observer interface {
	FrameReceived(size int)
	MessageProcessed(messageType string, elapsed time.Duration, err error)
	FrameDesynced()
}

// SessionConfig bounds a session's resource use. Zero values disable the
// corresponding limit.
type SessionConfig struct {
	MaxFrameBytes       int
	PartialFrameTimeout time.Duration
	ProcessingTimeout   time.Duration
	IdleTimeout         time.Duration
	WriteTimeout        time.Duration
}

// Session owns one accepted connection. Frames on a connection are handled
// strictly one after another; a processing failure is answered with a NACK
// and never closes the socket.
type Session struct {
	conn       net.Conn
	remoteAddr string
	cfg        SessionConfig
	processor  Processor
	journal    Journal
	observer   Observer
	decoder    FrameDecoder
	now        func() time.Time

	// busy is closed when a processor abandoned by a timeout returns. Only
	// the Run goroutine touches it.
	busy <-chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

func NewSession(conn net.Conn, cfg SessionConfig, processor Processor, journal Journal, observer Observer) *Session {
	return &Session{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		cfg:        cfg,
		processor:  processor,
		journal:    journal,
		observer:   observer,
		now:        time.Now,
		state:      StateAwaitingFrame,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run reads frames until the peer disconnects, a transport error occurs, the
// idle timeout expires or ctx is cancelled. The connection is closed on return.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer func() {
		stop()
		s.conn.Close()
		s.setState(StateClosed)
	}()

	slog.Info("Yeni HL7 bağlantısı", "remoteAddr", s.remoteAddr)
	s.lastActivity = s.now()

	buf := make([]byte, readBufferSize)
	for {
		s.setState(StateAwaitingFrame)
		s.armReadDeadline()

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.lastActivity = s.now()
			slog.Debug("HL7 veri alındı", "remoteAddr", s.remoteAddr, "bytes", n)
			s.decoder.Write(buf[:n])
			if werr := s.drain(ctx); werr != nil {
				slog.Error("ACK yazma hatası", "remoteAddr", s.remoteAddr, "error", werr)
				return
			}
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
			keep, werr := s.handleTimeout()
			if werr != nil {
				slog.Error("ACK yazma hatası", "remoteAddr", s.remoteAddr, "error", werr)
				return
			}
			if keep {
				continue
			}
			slog.Info("Boşta kalan bağlantı kapatıldı", "remoteAddr", s.remoteAddr)
			return
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			slog.Info("Bağlantı kapatıldı", "remoteAddr", s.remoteAddr)
		} else {
			slog.Error("Mesaj okuma hatası", "remoteAddr", s.remoteAddr, "error", err)
		}
		return
	}
}

// armReadDeadline sets the earliest of the idle and partial frame deadlines.
func (s *Session) armReadDeadline() {
	var deadline time.Time
	if s.cfg.IdleTimeout > 0 {
		deadline = s.lastActivity.Add(s.cfg.IdleTimeout)
	}
	if since := s.decoder.PendingSince(); !since.IsZero() && s.cfg.PartialFrameTimeout > 0 {
		partial := since.Add(s.cfg.PartialFrameTimeout)
		if deadline.IsZero() || partial.Before(deadline) {
			deadline = partial
		}
	}
	s.conn.SetReadDeadline(deadline)
}

// handleTimeout reacts to an expired read deadline. keep is false when the
// connection should be closed for idleness.
func (s *Session) handleTimeout() (keep bool, err error) {
	now := s.now()
	if since := s.decoder.PendingSince(); !since.IsZero() && s.cfg.PartialFrameTimeout > 0 &&
		!now.Before(since.Add(s.cfg.PartialFrameTimeout)) {
		return true, s.rejectBuffer(FrameDesync("Incomplete frame timed out after %s", s.cfg.PartialFrameTimeout))
	}
	if s.cfg.IdleTimeout > 0 && !now.Before(s.lastActivity.Add(s.cfg.IdleTimeout)) {
		return false, nil
	}
	return true, nil
}

// drain handles every complete frame in the buffer, then enforces the frame
// size limit on what is left over.
func (s *Session) drain(ctx context.Context) error {
	for {
		payload, ok := s.decoder.Next()
		if !ok {
			break
		}
		s.setState(StateFrameComplete)
		if err := s.handleFrame(ctx, payload); err != nil {
			return err
		}
	}

	if s.cfg.MaxFrameBytes > 0 && s.decoder.Pending() > s.cfg.MaxFrameBytes {
		if s.decoder.Desynced() {
			return s.rejectBuffer(FrameDesync("Data received outside of an MLLP frame"))
		}
		return s.rejectBuffer(FrameDesync("Frame exceeds %d bytes", s.cfg.MaxFrameBytes))
	}
	return nil
}

// rejectBuffer answers a framing failure with a NACK and starts over with an
// empty buffer.
func (s *Session) rejectBuffer(err *Error) error {
	slog.Warn("MLLP çerçeve hatası, tampon sıfırlandı",
		"remoteAddr", s.remoteAddr,
		"pending", s.decoder.Pending(),
		"error", err)
	s.decoder.Reset()
	if s.observer != nil {
		s.observer.FrameDesynced()
	}
	return s.reply(BuildNACK(nil, err, s.now()))
}

func (s *Session) handleFrame(ctx context.Context, payload []byte) error {
	if s.observer != nil {
		s.observer.FrameReceived(len(payload))
	}
	reply := s.process(ctx, payload)
	return s.reply(reply)
}

func (s *Session) reply(text string) error {
	s.setState(StateReplying)
	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
	}
	_, err := s.conn.Write(WrapMLLP([]byte(text)))
	return err
}

// process runs parse, journal and processor for one payload and returns the
// reply text. It always produces a reply.
func (s *Session) process(ctx context.Context, payload []byte) string {
	s.setState(StateProcessing)
	start := s.now()

	var procErr error
	text := string(payload)
	if !utf8.ValidString(text) {
		procErr = MalformedPayload("Message is not valid UTF-8")
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	msg := Parse(text)
	if procErr == nil && len(msg.Segments) == 0 {
		procErr = MalformedPayload("Empty message")
	}

	var journalID string
	if s.journal != nil {
		id, err := s.journal.Received(ctx, msg, s.remoteAddr)
		if err != nil {
			slog.Warn("Mesaj kaydı yazılamadı", "error", err, "controlId", msg.ControlID)
		}
		journalID = id
	}

	var outcome Outcome
	if procErr == nil {
		outcome, procErr = s.runProcessor(ctx, msg)
	}
	elapsed := s.now().Sub(start)

	if s.journal != nil {
		if err := s.journal.Completed(ctx, journalID, msg, elapsed, procErr); err != nil {
			slog.Warn("Transfer kaydı yazılamadı", "error", err, "controlId", msg.ControlID)
		}
	}
	if s.observer != nil {
		s.observer.MessageProcessed(msg.Type, elapsed, procErr)
	}

	if procErr != nil {
		slog.Error("Mesaj işleme hatası",
			"remoteAddr", s.remoteAddr,
			"messageType", msg.Type,
			"controlId", msg.ControlID,
			"kind", KindOf(procErr).String(),
			"error", procErr)
		return BuildNACK(msg, procErr, s.now())
	}

	slog.Info("HL7 mesaj işlendi",
		"remoteAddr", s.remoteAddr,
		"messageType", msg.Type,
		"controlId", msg.ControlID,
		"handler", outcome.Handler,
		"persisted", outcome.Persisted,
		"skipped", outcome.Skipped,
		"duration", elapsed)
	return BuildACK(msg, s.now())
}

type processResult struct {
	outcome Outcome
	err     error
}

// runProcessor calls the processor under the processing timeout. A processor
// that outlives the deadline is abandoned and its result discarded, but the
// next frame does not start until it has returned.
func (s *Session) runProcessor(ctx context.Context, msg *Message) (Outcome, error) {
	if s.processor == nil {
		return Outcome{}, UnsupportedMessageType(msg.Type)
	}
	if s.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProcessingTimeout)
		defer cancel()
	}

	if s.busy != nil {
		select {
		case <-s.busy:
			s.busy = nil
		case <-ctx.Done():
			return Outcome{}, &Error{Kind: KindUnknown, Message: "Previous message still processing", Err: ctx.Err()}
		}
	}

	done := make(chan processResult, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				done <- processResult{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		outcome, err := s.processor.Process(ctx, msg)
		done <- processResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		return res.outcome, res.err
	case <-ctx.Done():
		s.busy = finished
		return Outcome{}, &Error{Kind: KindUnknown, Message: "Processing timed out", Err: ctx.Err()}
	}
}
