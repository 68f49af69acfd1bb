package hl7

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// MLLPClient sends messages to a downstream HL7 endpoint and waits for its
// acknowledgment.
type MLLPClient struct {
	host    string
	port    int
	timeout time.Duration
	pool    *ConnectionPool
}

func NewMLLPClient(host string, port int) *MLLPClient {
	timeout := 30 * time.Second
	return &MLLPClient{
		host:    host,
		port:    port,
		timeout: timeout,
		pool:    NewConnectionPool(host, port, 5, timeout),
	}
}

// SendMessage frames message, sends it and returns the parsed reply. A reply
// whose MSA-1 is not AA or CA is returned together with an error.
func (c *MLLPClient) SendMessage(ctx context.Context, message []byte) (*Message, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	wrapped := WrapMLLP(message)
	if _, err := conn.Write(wrapped); err != nil {
		conn.Discard()
		return nil, fmt.Errorf("mesaj gönderme hatası: %w", err)
	}
	slog.Debug("HL7 mesaj gönderildi", "address", c.pool.Addr(), "size", len(wrapped))

	raw, err := readMLLPMessage(conn.reader)
	if err != nil {
		conn.Discard()
		return nil, fmt.Errorf("ACK okuma hatası: %w", err)
	}
	conn.Release()

	reply := Parse(string(raw))
	code := AckCode(reply)
	if code != CodeAccept && code != "CA" {
		return reply, fmt.Errorf("negatif ACK alındı: %s", code)
	}

	slog.Info("HL7 mesaj başarıyla gönderildi",
		"address", c.pool.Addr(),
		"controlId", reply.ControlID,
		"ackCode", code)

	return reply, nil
}

// readMLLPMessage reads one frame, discarding anything before the start block.
func readMLLPMessage(reader *bufio.Reader) ([]byte, error) {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
	}

	payload, err := reader.ReadBytes(EndBlock)
	if err != nil {
		return nil, err
	}
	payload = payload[:len(payload)-1]

	cr, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if cr != CarriageReturn {
		return nil, fmt.Errorf("MLLP formatı hatası: CR beklendi, %02X alındı", cr)
	}
	return payload, nil
}

// TestConnection checks that the endpoint accepts TCP connections.
func (c *MLLPClient) TestConnection() error {
	addr := net.JoinHostPort(c.host, fmt.Sprint(c.port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("bağlantı testi başarısız %s: %w", addr, err)
	}
	conn.Close()
	return nil
}

// Addr is the endpoint this client sends to.
func (c *MLLPClient) Addr() string {
	return c.pool.Addr()
}

func (c *MLLPClient) Close() error {
	return c.pool.Close()
}
