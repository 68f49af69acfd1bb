package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamInbound   = "HL7_INBOUND"
	SubjectAccepted = "hl7.accepted"

	BucketStats   = "HL7_STATS"
	BucketDLQ     = "HL7_DLQ"
	BucketHistory = "HL7_HISTORY"
)

// Stats keys in BucketStats.
const (
	StatTotal       = "total_messages"
	StatSuccessful  = "successful_messages"
	StatFailed      = "failed_messages"
	StatLastMessage = "last_message_time"
)

var statKeys = []string{StatTotal, StatSuccessful, StatFailed, StatLastMessage}

type EmbeddedServer struct {
	server  *server.Server
	nc      *nats.Conn
	js      jetstream.JetStream
	stats   jetstream.KeyValue
	dlq     jetstream.KeyValue
	history jetstream.KeyValue
}

func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      -1, // yalnızca süreç içi kullanım
		HTTPPort:  -1,
		NoSigs:    true,
	}

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("store dizini oluşturulamadı: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("NATS sunucu oluşturulamadı: %w", err)
	}

	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS sunucu başlatılamadı")
	}

	slog.Info("Gömülü NATS sunucu başlatıldı", "clientURL", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS bağlantısı kurulamadı: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("JetStream başlatılamadı: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := es.createStreams(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}

	if err := es.createKVStores(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

func (es *EmbeddedServer) createStreams(ctx context.Context) error {
	_, err := es.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamInbound,
		Description: "Başarıyla işlenen cihaz mesajları",
		Subjects:    []string{SubjectAccepted + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     1000000,
		MaxBytes:    10 * 1024 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("%s stream oluşturulamadı: %w", StreamInbound, err)
	}
	slog.Info("Stream oluşturuldu", "stream", StreamInbound)
	return nil
}

func (es *EmbeddedServer) createKVStores(ctx context.Context) error {
	var err error

	es.stats, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketStats,
		Description: "HL7 mesaj istatistikleri",
		History:     10,
		MaxBytes:    1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("stats KV store oluşturulamadı: %w", err)
	}

	for _, key := range statKeys {
		_, err := es.stats.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := es.stats.Create(ctx, key, []byte("0")); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("istatistik anahtarı oluşturulamadı %s: %w", key, err)
			}
		} else if err != nil {
			return fmt.Errorf("istatistik anahtarı okunamadı %s: %w", key, err)
		}
	}
	slog.Info("KV store oluşturuldu", "bucket", BucketStats)

	es.dlq, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketDLQ,
		Description: "Başarısız HL7 mesajları (Dead Letter Queue)",
		History:     1,
		TTL:         7 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("DLQ KV store oluşturulamadı: %w", err)
	}
	slog.Info("KV store oluşturuldu", "bucket", BucketDLQ)

	es.history, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketHistory,
		Description: "Son HL7 mesaj geçmişi (tüm mesajlar)",
		History:     1,
		TTL:         24 * time.Hour,
		MaxBytes:    500 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("History KV store oluşturulamadı: %w", err)
	}
	slog.Info("KV store oluşturuldu", "bucket", BucketHistory)
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Stats() jetstream.KeyValue   { return es.stats }
func (es *EmbeddedServer) DLQ() jetstream.KeyValue     { return es.dlq }
func (es *EmbeddedServer) History() jetstream.KeyValue { return es.history }

// Healthy reports whether the client connection is up.
func (es *EmbeddedServer) Healthy() bool {
	return es.nc != nil && es.nc.IsConnected()
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("NATS sunucu kapatıldı")
}
