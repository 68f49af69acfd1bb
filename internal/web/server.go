package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/lis-hl7/internal/audit"
	"github.com/minasoft/lis-hl7/internal/db"
	"github.com/minasoft/lis-hl7/internal/hl7"
	"github.com/minasoft/lis-hl7/internal/metrics"
	"github.com/minasoft/lis-hl7/internal/nats"
)

const defaultMessageLimit = 100

// Store is the part of the persistence layer the admin API reads.
type Store interface {
	Ping(ctx context.Context) error
	RecentMessages(ctx context.Context, status, messageType string, limit int) ([]db.HL7Message, error)
}

type connectionTester interface {
	TestConnection() error
	Addr() string
}

type connectionCounter interface {
	ActiveConnections() int
}

// Deps are the collaborators behind the admin API. JetStream, Sink,
// Forwarder and Listener may be nil.
type Deps struct {
	Port      int
	Store     Store
	Processor hl7.Processor
	Journal   *audit.Journal
	JetStream jetstream.JetStream
	Sink      *nats.JetStreamSink
	Forwarder connectionTester
	Listener  connectionCounter
}

type Server struct {
	echo *echo.Echo
	deps Deps
}

func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("HTTP isteği",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency)
			return nil
		},
	}))

	s := &Server{echo: e, deps: deps}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.deps.Port)
	slog.Info("Web sunucu başlatılıyor", "port", s.deps.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/messages", s.handleGetMessages)
	api.POST("/messages/:id/retry", s.handleRetryMessage)
	api.GET("/streams", s.handleGetStreams)
	api.GET("/consumers", s.handleGetConsumers)

	s.echo.GET("/metrics", s.handleMetrics)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			components["database"] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
		} else {
			components["database"] = "healthy"
		}
	}

	if s.deps.Listener != nil {
		components["mllp_listener"] = fmt.Sprintf("healthy (connections: %d)", s.deps.Listener.ActiveConnections())
	}

	if s.deps.JetStream != nil {
		if _, err := s.deps.JetStream.AccountInfo(ctx); err != nil {
			components["nats"] = "unhealthy: " + err.Error()
			degrade(&overallStatus)
		} else {
			components["nats"] = "healthy"
		}

		if stream, err := s.deps.JetStream.Stream(ctx, nats.StreamInbound); err != nil {
			components["inbound_stream"] = "unhealthy: stream not found"
			degrade(&overallStatus)
		} else if info, err := stream.Info(ctx); err == nil {
			components["inbound_stream"] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
		} else {
			components["inbound_stream"] = "healthy"
		}

		for name, bucket := range map[string]string{
			"stats_store":   nats.BucketStats,
			"dlq_store":     nats.BucketDLQ,
			"history_store": nats.BucketHistory,
		} {
			kv, err := s.deps.JetStream.KeyValue(ctx, bucket)
			if err != nil {
				components[name] = "unhealthy"
				degrade(&overallStatus)
				continue
			}
			if status, err := kv.Status(ctx); err == nil {
				components[name] = fmt.Sprintf("healthy (values: %d)", status.Values())
			} else {
				components[name] = "healthy"
			}
		}
	} else {
		components["nats"] = "disabled"
	}

	if s.deps.Forwarder != nil {
		if err := s.deps.Forwarder.TestConnection(); err != nil {
			components["forward_target"] = "unreachable: " + s.deps.Forwarder.Addr()
			degrade(&overallStatus)
		} else {
			components["forward_target"] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, map[string]any{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
	})
}

func degrade(status *string) {
	if *status == "healthy" {
		*status = "degraded"
	}
}

func (s *Server) handleStats(c echo.Context) error {
	if s.deps.Sink == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "İstatistikler devre dışı")
	}

	raw, err := s.deps.Sink.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Stats KV erişilemedi")
	}

	atoi := func(key string) int64 {
		n, _ := strconv.ParseInt(raw[key], 10, 64)
		return n
	}

	stats := map[string]any{
		"total":      atoi(nats.StatTotal),
		"successful": atoi(nats.StatSuccessful),
		"failed":     atoi(nats.StatFailed),
	}
	if last := raw[nats.StatLastMessage]; last != "" && last != "0" {
		stats["last_message_time"] = last
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetMessages(c echo.Context) error {
	ctx := c.Request().Context()
	status := c.QueryParam("status")
	messageType := c.QueryParam("messageType")

	limit := defaultMessageLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var (
		messages []db.HL7Message
		err      error
	)
	switch {
	case s.deps.Sink != nil:
		messages, err = s.deps.Sink.Messages(ctx, status, messageType, limit)
	case s.deps.Store != nil:
		messages, err = s.deps.Store.RecentMessages(ctx, status, messageType, limit)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Mesajlar okunamadı: "+err.Error())
	}
	if messages == nil {
		messages = []db.HL7Message{}
	}
	return c.JSON(http.StatusOK, messages)
}

// handleRetryMessage runs a dead-lettered message through the processor
// again. On success the journal removes it from the DLQ.
func (s *Server) handleRetryMessage(c echo.Context) error {
	ctx := c.Request().Context()
	messageID := c.Param("id")

	if s.deps.Sink == nil || s.deps.Processor == nil || s.deps.Journal == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Yeniden deneme devre dışı")
	}

	record, err := s.deps.Sink.DeadLetter(ctx, messageID)
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Mesaj bulunamadı")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	msg := hl7.Parse(record.RawMessage)
	record.RetryCount++
	record.Status = db.MessageReceived
	record.LastError = ""
	s.deps.Journal.Track(record)

	start := time.Now()
	_, procErr := s.deps.Processor.Process(ctx, msg)
	if err := s.deps.Journal.Completed(ctx, record.ID, msg, time.Since(start), procErr); err != nil {
		slog.Warn("Transfer kaydı yazılamadı", "messageID", messageID, "error", err)
	}

	if procErr != nil {
		slog.Warn("Yeniden deneme başarısız", "messageID", messageID, "error", procErr)
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"status":     "failed",
			"kind":       hl7.KindOf(procErr).String(),
			"error":      procErr.Error(),
			"retryCount": record.RetryCount,
		})
	}

	slog.Info("Mesaj yeniden işlendi", "messageID", messageID, "retryCount", record.RetryCount)
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "success",
		"message":    "Mesaj yeniden işlendi",
		"retryCount": record.RetryCount,
	})
}

func (s *Server) handleGetStreams(c echo.Context) error {
	ctx := c.Request().Context()
	streams := []db.StreamInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, streams)
	}

	stream, err := s.deps.JetStream.Stream(ctx, nats.StreamInbound)
	if err != nil {
		return c.JSON(http.StatusOK, streams)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return c.JSON(http.StatusOK, streams)
	}

	streams = append(streams, db.StreamInfo{
		Name:          info.Config.Name,
		Messages:      info.State.Msgs,
		Bytes:         info.State.Bytes,
		FirstSequence: info.State.FirstSeq,
		LastSequence:  info.State.LastSeq,
	})
	return c.JSON(http.StatusOK, streams)
}

func (s *Server) handleGetConsumers(c echo.Context) error {
	ctx := c.Request().Context()
	consumers := []db.ConsumerInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, consumers)
	}

	stream, err := s.deps.JetStream.Stream(ctx, nats.StreamInbound)
	if err != nil {
		return c.JSON(http.StatusOK, consumers)
	}

	names := stream.ConsumerNames(ctx)
	for name := range names.Name() {
		consumer, err := stream.Consumer(ctx, name)
		if err != nil {
			continue
		}
		info, err := consumer.Info(ctx)
		if err != nil {
			continue
		}
		consumers = append(consumers, db.ConsumerInfo{
			Stream:          nats.StreamInbound,
			Name:            info.Name,
			Pending:         info.NumPending,
			Delivered:       info.Delivered.Consumer,
			AckPending:      uint64(info.NumAckPending),
			RedeliveryCount: uint64(info.NumRedelivered),
		})
	}
	return c.JSON(http.StatusOK, consumers)
}

func (s *Server) handleMetrics(c echo.Context) error {
	if s.deps.Listener != nil {
		metrics.RecordActiveConnections(s.deps.Listener.ActiveConnections())
	}
	metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
