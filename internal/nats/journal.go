package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/lis-hl7/internal/db"
)

const statUpdateAttempts = 10

// JetStreamSink journals messages into the KV buckets and publishes
// accepted messages on the inbound stream.
type JetStreamSink struct {
	js      jetstream.JetStream
	stats   jetstream.KeyValue
	dlq     jetstream.KeyValue
	history jetstream.KeyValue
	now     func() time.Time
}

func NewJetStreamSink(es *EmbeddedServer) *JetStreamSink {
	return &JetStreamSink{
		js:      es.js,
		stats:   es.stats,
		dlq:     es.dlq,
		history: es.history,
		now:     time.Now,
	}
}

func (s *JetStreamSink) RecordReceived(ctx context.Context, msg *db.HL7Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mesaj serialize hatası: %w", err)
	}
	if _, err := s.history.Put(ctx, msg.ID, data); err != nil {
		return fmt.Errorf("geçmiş kaydı yazılamadı: %w", err)
	}
	return nil
}

func (s *JetStreamSink) RecordOutcome(ctx context.Context, msg *db.HL7Message, entry *db.TransferLog) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mesaj serialize hatası: %w", err)
	}

	var errs []error
	if _, err := s.history.Put(ctx, msg.ID, data); err != nil {
		errs = append(errs, fmt.Errorf("geçmiş kaydı yazılamadı: %w", err))
	}
	if err := s.increment(ctx, StatTotal); err != nil {
		errs = append(errs, err)
	}

	if entry.Status == db.TransferSuccess {
		if err := s.increment(ctx, StatSuccessful); err != nil {
			errs = append(errs, err)
		}
		subject := fmt.Sprintf("%s.%s", SubjectAccepted, msg.ID)
		if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID+"-"+strconv.Itoa(msg.RetryCount))); err != nil {
			errs = append(errs, fmt.Errorf("NATS publish hatası: %w", err))
		}
		if err := s.dlq.Delete(ctx, msg.ID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			errs = append(errs, fmt.Errorf("DLQ kaydı silinemedi: %w", err))
		}
	} else {
		if err := s.increment(ctx, StatFailed); err != nil {
			errs = append(errs, err)
		}
		if _, err := s.dlq.Put(ctx, msg.ID, data); err != nil {
			errs = append(errs, fmt.Errorf("DLQ kaydı yazılamadı: %w", err))
		}
	}

	if _, err := s.stats.Put(ctx, StatLastMessage, []byte(s.now().UTC().Format(time.RFC3339))); err != nil {
		errs = append(errs, fmt.Errorf("istatistik yazılamadı: %w", err))
	}
	return errors.Join(errs...)
}

// increment adds one to a counter with compare-and-set, retrying when
// another writer got there first.
func (s *JetStreamSink) increment(ctx context.Context, key string) error {
	var lastErr error
	for attempt := 0; attempt < statUpdateAttempts; attempt++ {
		entry, err := s.stats.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			_, lastErr = s.stats.Create(ctx, key, []byte("1"))
			if lastErr == nil {
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("istatistik okunamadı %s: %w", key, err)
		}

		n, _ := strconv.ParseInt(string(entry.Value()), 10, 64)
		_, lastErr = s.stats.Update(ctx, key, []byte(strconv.FormatInt(n+1, 10)), entry.Revision())
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("istatistik güncellenemedi %s: %w", key, lastErr)
}

// Stats returns the counters as stored, keyed by stat name.
func (s *JetStreamSink) Stats(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(statKeys))
	for _, key := range statKeys {
		entry, err := s.stats.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			out[key] = "0"
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("istatistik okunamadı %s: %w", key, err)
		}
		out[key] = string(entry.Value())
	}
	return out, nil
}

// Messages lists history and dead letter entries, newest first. DLQ entries
// win over the history copy of the same message.
func (s *JetStreamSink) Messages(ctx context.Context, status, messageType string, limit int) ([]db.HL7Message, error) {
	byID := make(map[string]db.HL7Message)
	for _, kv := range []jetstream.KeyValue{s.history, s.dlq} {
		msgs, err := readAll(ctx, kv)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			byID[m.ID] = m
		}
	}

	out := make([]db.HL7Message, 0, len(byID))
	for _, m := range byID {
		if status != "" && string(m.Status) != status {
			continue
		}
		if messageType != "" && m.MessageType != messageType {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeadLetter returns the DLQ entry for id, or db.ErrNotFound.
func (s *JetStreamSink) DeadLetter(ctx context.Context, id string) (*db.HL7Message, error) {
	entry, err := s.dlq.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("DLQ okunamadı: %w", err)
	}
	var m db.HL7Message
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("DLQ kaydı çözülemedi: %w", err)
	}
	return &m, nil
}

func readAll(ctx context.Context, kv jetstream.KeyValue) ([]db.HL7Message, error) {
	keys, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("anahtarlar listelenemedi: %w", err)
	}

	out := make([]db.HL7Message, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var m db.HL7Message
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
