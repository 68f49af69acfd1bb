package hl7

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("connection pool is closed")

const (
	poolHealthInterval = 30 * time.Second
	poolMaxIdle        = 5 * time.Minute
)

// ConnectionPool keeps idle MLLP connections to one downstream endpoint for
// reuse. Dead and stale connections are dropped by a background check.
type ConnectionPool struct {
	addr     string
	maxIdle  int
	timeout  time.Duration
	idle     chan *PooledConn
	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// PooledConn is a connection checked out of a pool. Exactly one of Release
// or Discard must be called when the caller is done with it.
type PooledConn struct {
	net.Conn
	reader   *bufio.Reader
	lastUsed time.Time
	pool     *ConnectionPool
}

func NewConnectionPool(host string, port int, maxIdle int, timeout time.Duration) *ConnectionPool {
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	pool := &ConnectionPool{
		addr:     net.JoinHostPort(host, fmt.Sprint(port)),
		maxIdle:  maxIdle,
		timeout:  timeout,
		idle:     make(chan *PooledConn, maxIdle),
		done:     make(chan struct{}),
		dialFunc: dialer.DialContext,
	}

	go pool.healthCheck()

	return pool
}

// Addr is the downstream endpoint.
func (p *ConnectionPool) Addr() string {
	return p.addr
}

// Get returns an idle connection when a live one is available, otherwise it
// dials a new one.
func (p *ConnectionPool) Get(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	for {
		select {
		case pc := <-p.idle:
			if pc == nil {
				return nil, ErrPoolClosed
			}
			if isConnectionAlive(pc.Conn) {
				pc.lastUsed = time.Now()
				return pc, nil
			}
			pc.Conn.Close()
			continue
		default:
		}
		break
	}

	conn, err := p.dialFunc(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("bağlantı hatası %s: %w", p.addr, err)
	}
	slog.Debug("Yeni bağlantı oluşturuldu", "address", p.addr)

	return &PooledConn{
		Conn:     conn,
		reader:   bufio.NewReader(conn),
		lastUsed: time.Now(),
		pool:     p,
	}, nil
}

// Release hands the connection back for reuse.
func (pc *PooledConn) Release() {
	pc.pool.put(pc)
}

// Discard closes the connection instead of reusing it. Used after any I/O
// error, when the stream position is unknown.
func (pc *PooledConn) Discard() {
	pc.Conn.Close()
}

func (p *ConnectionPool) put(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		pc.Conn.Close()
		return
	}

	pc.lastUsed = time.Now()
	pc.Conn.SetDeadline(time.Time{})

	select {
	case p.idle <- pc:
	default:
		pc.Conn.Close()
	}
}

// Idle reports how many connections are waiting for reuse.
func (p *ConnectionPool) Idle() int {
	return len(p.idle)
}

// Close closes all idle connections. Checked out connections are closed when
// they are released.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.done)
	close(p.idle)

	for pc := range p.idle {
		pc.Conn.Close()
	}

	return nil
}

// isConnectionAlive probes a connection with a near-immediate read deadline.
// A timeout means the peer has sent nothing and not closed the socket.
func isConnectionAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	one := make([]byte, 1)
	_, err := conn.Read(one)
	conn.SetReadDeadline(time.Time{})

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// unsolicited bytes or EOF both leave the connection unusable
	return false
}

func (p *ConnectionPool) healthCheck() {
	ticker := time.NewTicker(poolHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes stale or dead idle connections and keeps the rest.
func (p *ConnectionPool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	var healthy []*PooledConn
	for n := len(p.idle); n > 0; n-- {
		var pc *PooledConn
		select {
		case pc = <-p.idle:
		default:
		}
		if pc == nil {
			break
		}
		switch {
		case time.Since(pc.lastUsed) > poolMaxIdle:
			pc.Conn.Close()
			slog.Debug("Eski bağlantı kapatıldı", "age", time.Since(pc.lastUsed))
		case !isConnectionAlive(pc.Conn):
			pc.Conn.Close()
			slog.Debug("Ölü bağlantı kapatıldı")
		default:
			healthy = append(healthy, pc)
		}
	}

	for _, pc := range healthy {
		select {
		case p.idle <- pc:
		default:
			pc.Conn.Close()
		}
	}
}
