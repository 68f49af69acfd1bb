package hl7

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func startServer(t *testing.T, proc Processor) *MLLPServer {
	t.Helper()
	srv := NewMLLPServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		Session: SessionConfig{ProcessingTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second},
	}, proc, &recordingJournal{}, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func clientFor(t *testing.T, srv *MLLPServer) *MLLPClient {
	t.Helper()
	addr := srv.Addr().(*net.TCPAddr)
	client := NewMLLPClient(addr.IP.String(), addr.Port)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestServerAndClientRoundTrip(t *testing.T) {
	srv := startServer(t, processorFunc(acceptAll))
	client := clientFor(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		reply, err := client.SendMessage(ctx, []byte(sampleORU))
		if err != nil {
			t.Fatalf("SendMessage #%d: %v", i, err)
		}
		if AckCode(reply) != CodeAccept {
			t.Fatalf("ack code = %q", AckCode(reply))
		}
	}

	// sequential sends reuse the pooled connection
	if n := srv.ActiveConnections(); n != 1 {
		t.Errorf("ActiveConnections() = %d, want 1", n)
	}
	if client.pool.Idle() != 1 {
		t.Errorf("pool idle = %d", client.pool.Idle())
	}
	if err := client.TestConnection(); err != nil {
		t.Errorf("TestConnection: %v", err)
	}
}

func TestClientReturnsNegativeAck(t *testing.T) {
	srv := startServer(t, processorFunc(func(_ context.Context, msg *Message) (Outcome, error) {
		return Outcome{}, NotImplemented(msg.Type)
	}))
	client := clientFor(t, srv)

	reply, err := client.SendMessage(context.Background(), []byte("MSH|^~\\&|A|B|C|D|||ORM^O01|5|P|2.5.1"))
	if err == nil {
		t.Fatal("expected error for AE reply")
	}
	if reply == nil || AckCode(reply) != CodeError {
		t.Fatalf("reply = %+v", reply)
	}
	if got := reply.Segment("MSA").Value(3); got != `Message type ORM\S\O01 not implemented` {
		t.Errorf("MSA-3 = %q", got)
	}
}

func TestServerStopClosesSessions(t *testing.T) {
	srv := startServer(t, processorFunc(acceptAll))

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.ActiveConnections() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.ActiveConnections() != 1 {
		t.Fatal("connection not tracked")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.ActiveConnections() != 0 {
		t.Errorf("ActiveConnections() after Stop = %d", srv.ActiveConnections())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection still open after Stop")
	}
	// idempotent
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestServerStartFailsOnBusyPort(t *testing.T) {
	srv := startServer(t, processorFunc(acceptAll))
	port := srv.Addr().(*net.TCPAddr).Port

	other := NewMLLPServer(ServerConfig{Addr: "127.0.0.1:" + strconv.Itoa(port)}, processorFunc(acceptAll), nil, nil)
	if err := other.Start(context.Background()); err == nil {
		other.Stop()
		t.Fatal("Start on a busy port succeeded")
	}
}

func TestPoolClosed(t *testing.T) {
	pool := NewConnectionPool("127.0.0.1", 1, 2, time.Second)
	pool.Close()
	if _, err := pool.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Get after Close = %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPoolDropsDeadConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	pool := NewConnectionPool(addr.IP.String(), addr.Port, 2, time.Second)
	defer pool.Close()

	pc, err := pool.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pc.Release()
	if pool.Idle() != 1 {
		t.Fatalf("Idle() = %d", pool.Idle())
	}

	// peer hangs up while the connection sits idle
	(<-accepted).Close()
	time.Sleep(50 * time.Millisecond)

	pc2, err := pool.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer pc2.Discard()
	if pc2 == pc {
		t.Fatal("dead connection handed out again")
	}
}
