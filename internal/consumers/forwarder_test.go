package consumers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/minasoft/lis-hl7/internal/db"
	"github.com/minasoft/lis-hl7/internal/hl7"
	"github.com/minasoft/lis-hl7/internal/nats"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	sent     []string
	calls    int
}

func (s *fakeSender) SendMessage(_ context.Context, message []byte) (*hl7.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("connection refused")
	}
	s.sent = append(s.sent, string(message))
	return hl7.Parse("MSH|^~\\&|X|Y|Z|W|||ACK|1|P|2.5.1\rMSA|AA|1"), nil
}

func (s *fakeSender) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]string(nil), s.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func setup(t *testing.T, sender *fakeSender) (*nats.EmbeddedServer, *nats.JetStreamSink) {
	t.Helper()
	es, err := nats.NewEmbeddedServer(t.TempDir())
	if err != nil {
		t.Fatalf("NewEmbeddedServer: %v", err)
	}
	t.Cleanup(es.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := NewMessageForwarder(es.JetStream(), sender, "downstream:2575")
	f.retryDelay = 50 * time.Millisecond
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return es, nats.NewJetStreamSink(es)
}

func accept(t *testing.T, sink *nats.JetStreamSink, id string) {
	t.Helper()
	rec := &db.HL7Message{
		ID:          id,
		Timestamp:   time.Now(),
		MessageType: "ORU^R01",
		RawMessage:  "MSH|^~\\&|A|B|C|D|||ORU^R01|" + id,
		Status:      db.MessageProcessed,
	}
	if err := sink.RecordOutcome(context.Background(), rec, &db.TransferLog{Status: db.TransferSuccess}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
}

func TestForwarderRelaysAcceptedMessages(t *testing.T) {
	sender := &fakeSender{}
	_, sink := setup(t, sender)

	accept(t, sink, "m1")
	accept(t, sink, "m2")

	waitFor(t, func() bool {
		_, sent := sender.snapshot()
		return len(sent) == 2
	})
	_, sent := sender.snapshot()
	if sent[0] != "MSH|^~\\&|A|B|C|D|||ORU^R01|m1" {
		t.Errorf("first relayed message = %q", sent[0])
	}
}

func TestForwarderRedeliversAfterFailure(t *testing.T) {
	sender := &fakeSender{failures: 2}
	_, sink := setup(t, sender)

	accept(t, sink, "m1")

	waitFor(t, func() bool {
		_, sent := sender.snapshot()
		return len(sent) == 1
	})
	if calls, _ := sender.snapshot(); calls != 3 {
		t.Errorf("send attempts = %d, want 3", calls)
	}
}

func TestForwarderTerminatesUndecodablePayload(t *testing.T) {
	sender := &fakeSender{}
	es, sink := setup(t, sender)

	if _, err := es.JetStream().Publish(context.Background(), nats.SubjectAccepted+".bad", []byte("not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	accept(t, sink, "m1")

	waitFor(t, func() bool {
		_, sent := sender.snapshot()
		return len(sent) == 1
	})
	if calls, _ := sender.snapshot(); calls != 1 {
		t.Errorf("sender called %d times", calls)
	}
}
