package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RecordReceived stores an inbound message with status received.
func (s *Store) RecordReceived(ctx context.Context, msg *HL7Message) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO hl7_messages (id, received_at, source_addr, message_type, control_id, sending_app,
			sending_facility, instrument_id, raw_message, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, retry_count = EXCLUDED.retry_count`,
		msg.ID, msg.Timestamp, msg.SourceAddr, msg.MessageType, msg.MessageControlID, msg.SendingApp,
		msg.SendingFacility, msg.InstrumentID, msg.RawMessage, string(msg.Status), msg.RetryCount, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert hl7 message: %w", err)
	}
	return nil
}

// RecordOutcome marks the message processed or failed and appends the
// transfer log entry.
func (s *Store) RecordOutcome(ctx context.Context, msg *HL7Message, entry *TransferLog) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.conn(ctx).Exec(ctx, `
			UPDATE hl7_messages
			SET status = $2, last_error = $3, processed_at = $4
			WHERE id = $1`,
			msg.ID, string(msg.Status), msg.LastError, msg.ProcessedAt)
		if err != nil {
			return fmt.Errorf("update hl7 message: %w", err)
		}

		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		_, err = s.conn(ctx).Exec(ctx, `
			INSERT INTO transfer_logs (id, message_id, instrument_id, type, status, duration_ms, error_msg, created_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)`,
			entry.ID, entry.MessageID, entry.InstrumentID, entry.Type, string(entry.Status),
			entry.DurationMs, entry.ErrorMsg, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert transfer log: %w", err)
		}
		return nil
	})
}

// RecentMessages returns the newest journal rows, optionally filtered by
// status and message type.
func (s *Store) RecentMessages(ctx context.Context, status, messageType string, limit int) ([]HL7Message, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, received_at, source_addr, message_type, control_id, sending_app, sending_facility,
			instrument_id, raw_message, status, retry_count, last_error, created_at, processed_at
		FROM hl7_messages
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR message_type = $2)
		ORDER BY received_at DESC
		LIMIT $3`, status, messageType, limit)
	if err != nil {
		return nil, fmt.Errorf("query hl7 messages: %w", err)
	}
	defer rows.Close()

	var out []HL7Message
	for rows.Next() {
		var m HL7Message
		var st string
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.SourceAddr, &m.MessageType, &m.MessageControlID,
			&m.SendingApp, &m.SendingFacility, &m.InstrumentID, &m.RawMessage, &st, &m.RetryCount,
			&m.LastError, &m.CreatedAt, &m.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan hl7 message: %w", err)
		}
		m.Status = MessageStatus(st)
		out = append(out, m)
	}
	return out, rows.Err()
}
