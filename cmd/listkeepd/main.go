package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/listkeep/listkeep/internal/app/sharing"
	"github.com/listkeep/listkeep/internal/app/tasklist"
	"github.com/listkeep/listkeep/internal/app/webapi"
	"github.com/listkeep/listkeep/internal/events"
	"github.com/listkeep/listkeep/internal/mail"
	"github.com/listkeep/listkeep/internal/platform/auth"
	"github.com/listkeep/listkeep/internal/platform/dbpool"
	"github.com/listkeep/listkeep/internal/platform/env"
	"github.com/listkeep/listkeep/internal/platform/metrics"
)

const version = "0.3.0"

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "listkeepd").Logger()

	listenAddr := env.String("LISTEN_ADDR", env.DefaultListenAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	baseURL := env.String("BASE_URL", env.DefaultBaseURL)
	sessionSecret := env.String("SESSION_SECRET", "dev-insecure-change-me")
	sessionTTL := env.Duration("SESSION_TTL", 12*time.Hour)
	hostLoginURL := env.String("HOST_LOGIN_URL", "")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database pool")
	}
	defer pool.Close()

	listRepo := tasklist.NewPostgresRepository(pool)
	shareRepo := sharing.NewPostgresRepository(pool)
	if err := waitForSchema(runCtx, logger, 30*time.Second, listRepo, shareRepo); err != nil {
		logger.Fatal().Err(err).Msg("schema readiness")
	}

	listSvc := tasklist.NewService(listRepo)
	shareSvc := sharing.NewService(shareRepo, listRepo, logger)
	shareSvc.BaseURL = baseURL
	shareSvc.Mailer = buildMailer(logger)
	shareSvc.Publish = buildPublisher(logger)

	metrics.Default.MustRegister(metrics.NewUptimeGauge(metrics.Opts{
		Name: "listkeep_uptime_seconds",
		Help: "Seconds since process start.",
	}))

	sessions := auth.NewManager(sessionSecret, sessionTTL)
	handler := webapi.NewHandler(listSvc, shareSvc, sessions, logger, version)
	handler.HostLoginURL = hostLoginURL

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Str("addr", listenAddr).Msg("listkeepd listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Fatal().Err(err).Msg("server")
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildMailer returns nil when SMTP_HOST is unset; list sharing then reports
// its configuration-missing state instead of silently succeeding.
func buildMailer(logger zerolog.Logger) mail.Sender {
	host := env.String("SMTP_HOST", "")
	if host == "" {
		logger.Warn().Msg("SMTP_HOST not set, invite email delivery disabled")
		return nil
	}
	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     host,
		Port:     env.Int("SMTP_PORT", 587),
		Username: env.String("SMTP_USERNAME", ""),
		Password: env.String("SMTP_PASSWORD", ""),
		From:     env.String("SMTP_FROM", "listkeep@localhost"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("smtp sender")
	}
	return sender
}

// buildPublisher returns nil when NATS_URL is unset; share-accepted events
// are observability only, so the service runs fine without them.
func buildPublisher(logger zerolog.Logger) events.PublishFunc {
	url := env.String("NATS_URL", "")
	if url == "" {
		return nil
	}
	conn, err := events.ConnectWithRetry(url, env.Duration("NATS_CONNECT_TIMEOUT", 20*time.Second))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	return events.Publisher{Conn: conn}.Publish
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func waitForSchema(ctx context.Context, logger zerolog.Logger, timeout time.Duration, repos ...schemaEnsurer) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = nil
		for _, repo := range repos {
			attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := repo.EnsureSchema(attemptCtx)
			cancel()
			if err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		logger.Info().Err(lastErr).Msg("waiting for schema readiness")
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool) error {
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
