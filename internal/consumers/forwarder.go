package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/lis-hl7/internal/db"
	"github.com/minasoft/lis-hl7/internal/hl7"
	"github.com/minasoft/lis-hl7/internal/nats"
)

const (
	ForwarderName = "hl7-forwarder"
	maxDeliver    = 5
)

// Sender delivers a raw HL7 message downstream and returns the reply.
type Sender interface {
	SendMessage(ctx context.Context, message []byte) (*hl7.Message, error)
}

// MessageForwarder relays accepted messages from the inbound stream to a
// downstream HL7 endpoint.
type MessageForwarder struct {
	js          jetstream.JetStream
	sender      Sender
	destination string
	retryDelay  time.Duration
}

func NewMessageForwarder(js jetstream.JetStream, sender Sender, destination string) *MessageForwarder {
	return &MessageForwarder{
		js:          js,
		sender:      sender,
		destination: destination,
		retryDelay:  5 * time.Second,
	}
}

// Start creates the durable consumer and consumes in the background until
// ctx is done.
func (f *MessageForwarder) Start(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, nats.StreamInbound, jetstream.ConsumerConfig{
		Durable:       ForwarderName,
		Description:   "Kabul edilen mesajları hedef sisteme ileten consumer",
		FilterSubject: nats.SubjectAccepted + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	})
	if err != nil {
		return fmt.Errorf("forwarder consumer oluşturulamadı: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		f.processMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("forwarder consume başlatılamadı: %w", err)
	}

	slog.Info("Forwarder başlatıldı", "stream", nats.StreamInbound, "destination", f.destination)

	go func() {
		<-ctx.Done()
		cons.Stop()
	}()
	return nil
}

func (f *MessageForwarder) processMessage(ctx context.Context, msg jetstream.Msg) {
	var record db.HL7Message
	if err := json.Unmarshal(msg.Data(), &record); err != nil {
		slog.Error("Mesaj parse hatası", "subject", msg.Subject(), "error", err)
		// a payload that cannot be decoded will never succeed
		msg.Term()
		return
	}

	attempt := uint64(1)
	if meta, err := msg.Metadata(); err == nil {
		attempt = meta.NumDelivered
	}

	slog.Info("Mesaj iletiliyor",
		"id", record.ID,
		"messageType", record.MessageType,
		"attempt", attempt)

	if _, err := f.sender.SendMessage(ctx, []byte(record.RawMessage)); err != nil {
		slog.Error("Mesaj gönderme hatası",
			"id", record.ID,
			"destination", f.destination,
			"attempt", attempt,
			"error", err)
		msg.NakWithDelay(f.retryDelay)
		return
	}

	slog.Info("Mesaj başarıyla iletildi", "id", record.ID, "destination", f.destination)
	msg.Ack()
}
