package hl7

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type processorFunc func(ctx context.Context, msg *Message) (Outcome, error)

func (f processorFunc) Process(ctx context.Context, msg *Message) (Outcome, error) {
	return f(ctx, msg)
}

func acceptAll(context.Context, *Message) (Outcome, error) {
	return Outcome{Handler: "test", Persisted: 1}, nil
}

type recordingJournal struct {
	mu            sync.Mutex
	received      []string
	completed     []error
	failReceived  error
	failCompleted error
}

func (j *recordingJournal) Received(_ context.Context, msg *Message, _ string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.received = append(j.received, msg.ControlID)
	return fmt.Sprintf("j-%d", len(j.received)), j.failReceived
}

func (j *recordingJournal) Completed(_ context.Context, _ string, _ *Message, _ time.Duration, procErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed = append(j.completed, procErr)
	return j.failCompleted
}

func (j *recordingJournal) snapshot() ([]string, []error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.received...), append([]error(nil), j.completed...)
}

type countingObserver struct {
	mu        sync.Mutex
	frames    int
	desyncs   int
	processed int
}

func (o *countingObserver) FrameReceived(int) {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
}

func (o *countingObserver) FrameDesynced() {
	o.mu.Lock()
	o.desyncs++
	o.mu.Unlock()
}

func (o *countingObserver) MessageProcessed(string, time.Duration, error) {
	o.mu.Lock()
	o.processed++
	o.mu.Unlock()
}

type testPeer struct {
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
	cancel context.CancelFunc
}

func startSession(t *testing.T, cfg SessionConfig, proc Processor, journal Journal, obs Observer) *testPeer {
	t.Helper()
	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	peer := &testPeer{
		conn:   client,
		reader: bufio.NewReader(client),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	session := NewSession(server, cfg, proc, journal, obs)
	go func() {
		session.Run(ctx)
		close(peer.done)
	}()

	t.Cleanup(func() {
		cancel()
		client.Close()
		<-peer.done
	})
	return peer
}

func (p *testPeer) send(t *testing.T, data []byte) {
	t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := p.conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) reply(t *testing.T) *Message {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := readMLLPMessage(p.reader)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return Parse(string(raw))
}

func msaText(reply *Message) string {
	return reply.Segment("MSA").Value(3)
}

func TestSessionAcknowledgesMessage(t *testing.T) {
	journal := &recordingJournal{}
	obs := &countingObserver{}
	peer := startSession(t, SessionConfig{}, processorFunc(acceptAll), journal, obs)

	peer.send(t, frame(sampleORU))
	reply := peer.reply(t)

	if code := AckCode(reply); code != CodeAccept {
		t.Fatalf("ack code = %q, text %q", code, msaText(reply))
	}
	if got := reply.Segment("MSH").Value(8); got != "ACK^ORU^R01" {
		t.Errorf("MSH-9 = %q", got)
	}
	if got := reply.Segment("MSA").Value(2); got != "12345" {
		t.Errorf("MSA-2 = %q", got)
	}

	received, completed := journal.snapshot()
	if len(received) != 1 || len(completed) != 1 || completed[0] != nil {
		t.Errorf("journal = %v / %v", received, completed)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.frames != 1 || obs.processed != 1 {
		t.Errorf("observer frames=%d processed=%d", obs.frames, obs.processed)
	}
}

func TestSessionNacksProcessorError(t *testing.T) {
	proc := processorFunc(func(_ context.Context, msg *Message) (Outcome, error) {
		return Outcome{}, UnsupportedMessageType(msg.Type)
	})
	journal := &recordingJournal{}
	peer := startSession(t, SessionConfig{}, proc, journal, nil)

	peer.send(t, frame("MSH|^~\\&|A|B|C|D|||ADT^A01|77|P|2.5.1"))
	reply := peer.reply(t)

	if AckCode(reply) != CodeError {
		t.Fatalf("ack code = %q", AckCode(reply))
	}
	if got := msaText(reply); got != `Unsupported message type: ADT\S\A01` {
		t.Errorf("MSA-3 = %q", got)
	}
	if got := reply.Segment("MSA").Value(2); got != "0" {
		t.Errorf("MSA-2 = %q", got)
	}

	_, completed := journal.snapshot()
	if len(completed) != 1 || !errors.Is(completed[0], ErrUnsupportedMessageType) {
		t.Errorf("completed = %v", completed)
	}

	// the connection survives a NACK
	peer.send(t, frame("MSH|^~\\&|A|B|C|D|||ADT^A01|78|P|2.5.1"))
	if AckCode(peer.reply(t)) != CodeError {
		t.Error("second message not answered")
	}
}

func TestSessionMultipleFramesInOneWrite(t *testing.T) {
	var mu sync.Mutex
	var order []string
	proc := processorFunc(func(_ context.Context, msg *Message) (Outcome, error) {
		mu.Lock()
		order = append(order, msg.ControlID)
		mu.Unlock()
		return Outcome{}, nil
	})
	peer := startSession(t, SessionConfig{}, proc, nil, nil)

	var wire []byte
	for i := 1; i <= 3; i++ {
		wire = append(wire, frame(fmt.Sprintf("MSH|^~\\&|A|B|C|D|||ORU^R01|%d|P|2.5.1", i))...)
	}
	peer.send(t, wire)

	for i := 1; i <= 3; i++ {
		reply := peer.reply(t)
		if got := reply.Segment("MSA").Value(2); got != fmt.Sprint(i) {
			t.Fatalf("reply %d echoes control id %q", i, got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "1,2,3" {
		t.Errorf("processing order = %v", order)
	}
}

func TestSessionJournalFailuresDoNotChangeReply(t *testing.T) {
	journal := &recordingJournal{
		failReceived:  errors.New("journal down"),
		failCompleted: errors.New("journal down"),
	}
	peer := startSession(t, SessionConfig{}, processorFunc(acceptAll), journal, nil)

	peer.send(t, frame(sampleORU))
	if code := AckCode(peer.reply(t)); code != CodeAccept {
		t.Fatalf("ack code = %q", code)
	}
}

func TestSessionMalformedPayloads(t *testing.T) {
	called := false
	proc := processorFunc(func(context.Context, *Message) (Outcome, error) {
		called = true
		return Outcome{}, nil
	})
	peer := startSession(t, SessionConfig{}, proc, nil, nil)

	peer.send(t, frame("\r\r"))
	if got := msaText(peer.reply(t)); got != "Empty message" {
		t.Errorf("empty payload text = %q", got)
	}

	peer.send(t, frame("MSH|^~\\&|A|B|C|D|||ORU^R01|1|P|2.5.1\rPID|1||\xff\xfe"))
	if got := msaText(peer.reply(t)); got != "Message is not valid UTF-8" {
		t.Errorf("invalid utf-8 text = %q", got)
	}

	if called {
		t.Error("processor called for malformed payload")
	}
}

func TestSessionOversizedFrame(t *testing.T) {
	obs := &countingObserver{}
	peer := startSession(t, SessionConfig{MaxFrameBytes: 64}, processorFunc(acceptAll), nil, obs)

	oversized := append([]byte{StartBlock}, []byte(strings.Repeat("A", 100))...)
	peer.send(t, oversized)
	reply := peer.reply(t)
	if AckCode(reply) != CodeError || msaText(reply) != "Frame exceeds 64 bytes" {
		t.Fatalf("reply = %q / %q", AckCode(reply), msaText(reply))
	}

	peer.send(t, frame(sampleORU[:60]))
	if code := AckCode(peer.reply(t)); code != CodeAccept {
		t.Fatalf("frame after reset answered %q", code)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.desyncs != 1 {
		t.Errorf("desyncs = %d", obs.desyncs)
	}
}

func TestSessionGarbageBeforeFrame(t *testing.T) {
	peer := startSession(t, SessionConfig{MaxFrameBytes: 32}, processorFunc(acceptAll), nil, nil)

	peer.send(t, append([]byte("garbage"), frame(sampleORU[:40])...))
	reply := peer.reply(t)
	if got := msaText(reply); got != "Data received outside of an MLLP frame" {
		t.Fatalf("MSA-3 = %q", got)
	}

	peer.send(t, frame("MSH|^~\\&|A|B"))
	if code := AckCode(peer.reply(t)); code != CodeAccept {
		t.Fatalf("frame after reset answered %q", code)
	}
}

func TestSessionPartialFrameTimeout(t *testing.T) {
	peer := startSession(t, SessionConfig{PartialFrameTimeout: 100 * time.Millisecond}, processorFunc(acceptAll), nil, nil)

	peer.send(t, []byte{StartBlock, 'M', 'S', 'H'})
	reply := peer.reply(t)
	if AckCode(reply) != CodeError || !strings.HasPrefix(msaText(reply), "Incomplete frame timed out") {
		t.Fatalf("reply = %q / %q", AckCode(reply), msaText(reply))
	}

	peer.send(t, frame(sampleORU))
	if code := AckCode(peer.reply(t)); code != CodeAccept {
		t.Fatalf("frame after timeout answered %q", code)
	}
}

func TestSessionProcessingTimeout(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, _ *Message) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	peer := startSession(t, SessionConfig{ProcessingTimeout: 50 * time.Millisecond}, proc, nil, nil)

	peer.send(t, frame(sampleORU))
	if got := msaText(peer.reply(t)); got != "Processing timed out" {
		t.Fatalf("MSA-3 = %q", got)
	}
}

func TestSessionNeverOverlapsProcessors(t *testing.T) {
	var running, peak, calls atomic.Int32
	proc := processorFunc(func(context.Context, *Message) (Outcome, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if calls.Add(1) == 1 {
			// ignores ctx and outlives the deadline
			time.Sleep(200 * time.Millisecond)
		}
		return Outcome{Handler: "results"}, nil
	})
	peer := startSession(t, SessionConfig{ProcessingTimeout: 50 * time.Millisecond}, proc, nil, nil)

	peer.send(t, frame(sampleORU))
	if got := msaText(peer.reply(t)); got != "Processing timed out" {
		t.Fatalf("first MSA-3 = %q", got)
	}
	peer.send(t, frame(sampleORU))
	if got := msaText(peer.reply(t)); got != "Previous message still processing" {
		t.Fatalf("second MSA-3 = %q", got)
	}

	time.Sleep(250 * time.Millisecond)
	peer.send(t, frame(sampleORU))
	if code := AckCode(peer.reply(t)); code != CodeAccept {
		t.Fatalf("third reply = %s", code)
	}

	if got := peak.Load(); got != 1 {
		t.Errorf("concurrent processors on one connection = %d", got)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("processor calls = %d, want 2", got)
	}
}

func TestSessionRecoversProcessorPanic(t *testing.T) {
	proc := processorFunc(func(context.Context, *Message) (Outcome, error) {
		panic("boom")
	})
	peer := startSession(t, SessionConfig{}, proc, nil, nil)

	peer.send(t, frame(sampleORU))
	if got := msaText(peer.reply(t)); got != "processor panic: boom" {
		t.Fatalf("MSA-3 = %q", got)
	}
}

func TestSessionIdleTimeoutCloses(t *testing.T) {
	peer := startSession(t, SessionConfig{IdleTimeout: 100 * time.Millisecond}, processorFunc(acceptAll), nil, nil)

	select {
	case <-peer.done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle session not closed")
	}
	peer.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read after idle close = %v", err)
	}
}

func TestSessionClosesOnCancel(t *testing.T) {
	peer := startSession(t, SessionConfig{}, processorFunc(acceptAll), nil, nil)
	peer.cancel()

	select {
	case <-peer.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session still running after cancel")
	}
}

func TestStateString(t *testing.T) {
	if StateProcessing.String() != "Processing" || State(42).String() != "State(42)" {
		t.Error("unexpected State names")
	}
}
