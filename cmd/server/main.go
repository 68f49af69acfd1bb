package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minasoft/lis-hl7/internal/audit"
	"github.com/minasoft/lis-hl7/internal/config"
	"github.com/minasoft/lis-hl7/internal/consumers"
	"github.com/minasoft/lis-hl7/internal/db"
	"github.com/minasoft/lis-hl7/internal/db/memstore"
	"github.com/minasoft/lis-hl7/internal/hl7"
	"github.com/minasoft/lis-hl7/internal/ingest"
	"github.com/minasoft/lis-hl7/internal/metrics"
	"github.com/minasoft/lis-hl7/internal/nats"
	"github.com/minasoft/lis-hl7/internal/web"
)

// store is what both the PostgreSQL and in-memory backends provide.
type store interface {
	ingest.Store
	audit.InstrumentRegistry
	audit.Sink
	web.Store
}

var (
	_ store = (*db.Store)(nil)
	_ store = (*memstore.Store)(nil)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lis-hl7",
		Short: "HL7 v2 / MLLP interface engine for laboratory analyzers",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns), int32(cfg.DBMinConns))
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Printf("%d migration uygulandı\n", n)
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Send an HL7 message file over MLLP and print the ACK code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("dosya okunamadı: %w", err)
			}

			client := hl7.NewMLLPClient(host, port)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			reply, sendErr := client.SendMessage(ctx, normalizeSegments(content))
			if reply == nil {
				return sendErr
			}
			fmt.Printf("ACK: %s\n", hl7.AckCode(reply))
			if msa := reply.Segment("MSA"); msa != nil && msa.Value(3) != "" {
				fmt.Printf("Text: %s\n", msa.Value(3))
			}
			return sendErr
		},
	}
	cmd.Flags().String("host", "localhost", "MLLP host")
	cmd.Flags().Int("port", 2027, "MLLP port")
	cmd.Flags().Duration("timeout", 30*time.Second, "Reply timeout")
	return cmd
}

// normalizeSegments turns LF or CRLF line endings into HL7 segment separators.
func normalizeSegments(content []byte) []byte {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	return []byte(strings.ReplaceAll(text, "\n", hl7.SegmentSeparator))
}

func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	router := ingest.NewLabRouter(st, cfg.ResultUpsertPolicy)
	sinks := []audit.Sink{st}

	deps := web.Deps{
		Port:      cfg.WebPort,
		Store:     st,
		Processor: router,
	}

	var natsServer *nats.EmbeddedServer
	if cfg.NATSEnabled {
		natsServer, err = nats.NewEmbeddedServer(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("NATS sunucu başlatılamadı: %w", err)
		}
		defer natsServer.Shutdown()

		sink := nats.NewJetStreamSink(natsServer)
		sinks = append(sinks, sink)
		deps.JetStream = natsServer.JetStream()
		deps.Sink = sink
	}

	journal := audit.NewJournal(st, sinks...)
	deps.Journal = journal

	listener := hl7.NewMLLPServer(cfg.ServerConfig(), router, journal, metrics.Observer{})
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("MLLP sunucu başlatılamadı: %w", err)
	}
	defer listener.Stop()
	deps.Listener = listener

	if cfg.ForwardHost != "" {
		if natsServer == nil {
			slog.Warn("FORWARD_HOST ayarlı ancak NATS devre dışı, iletim yapılmayacak")
		} else {
			client := hl7.NewMLLPClient(cfg.ForwardHost, cfg.ForwardPort)
			defer client.Close()

			forwarder := consumers.NewMessageForwarder(natsServer.JetStream(), client, cfg.ForwardEndpoint())
			if err := forwarder.Start(ctx); err != nil {
				return fmt.Errorf("forwarder başlatılamadı: %w", err)
			}
			deps.Forwarder = client
		}
	}

	var wg sync.WaitGroup
	webServer := web.NewServer(deps)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			slog.Error("Web sunucu hatası", "error", err)
		}
	}()

	slog.Info("LIS HL7 arayüzü başlatıldı",
		"hl7Port", cfg.HL7ListenPort,
		"webPort", cfg.WebPort,
		"messageTypes", router.MessageTypes(),
	)
	printStartupInfo(cfg)

	<-sigChan
	slog.Info("Kapatma sinyali alındı, sunucu kapatılıyor...")

	cancel()
	wg.Wait()

	slog.Info("LIS HL7 arayüzü kapatıldı")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("Bellek içi depo kullanılıyor, veriler kalıcı değil")
		return memstore.New(), func() {}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns), int32(cfg.DBMinConns))
	if err != nil {
		return nil, nil, fmt.Errorf("veritabanına bağlanılamadı: %w", err)
	}
	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return db.NewStore(pool), pool.Close, nil
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                  LIS HL7 Arayüzü Başlatıldı                   ║
╠═══════════════════════════════════════════════════════════════╣
║ MLLP Port            : %-39d ║
║ Web Dashboard        : http://localhost:%-22d ║
║ Store                : %-39s ║
║ Upsert Policy        : %-39s ║
║ Forward Endpoint     : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	forward := cfg.ForwardEndpoint()
	if forward == "" {
		forward = "-"
	}

	fmt.Printf(info,
		cfg.HL7ListenPort,
		cfg.WebPort,
		cfg.StoreDriver,
		string(cfg.ResultUpsertPolicy),
		forward,
	)
}
