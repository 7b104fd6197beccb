// ABOUTME: Entry point for the omnigate conversation gateway
// ABOUTME: Loads config, wires services, runs the HTTP server and janitors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/helpmesh/omnigate/internal/ai"
	"github.com/helpmesh/omnigate/internal/auth"
	"github.com/helpmesh/omnigate/internal/bus"
	"github.com/helpmesh/omnigate/internal/channel"
	"github.com/helpmesh/omnigate/internal/config"
	"github.com/helpmesh/omnigate/internal/conversation"
	"github.com/helpmesh/omnigate/internal/escalation"
	"github.com/helpmesh/omnigate/internal/gateway"
	"github.com/helpmesh/omnigate/internal/guard"
	"github.com/helpmesh/omnigate/internal/identity"
	"github.com/helpmesh/omnigate/internal/store"
	"github.com/helpmesh/omnigate/internal/voice"
)

// version is overridden at build time via -ldflags.
var version = "dev"

const banner = `
  ___  _ __ ___  _ __  _  __ _  __ _| |_ ___
 / _ \| '_ ' _ \| '_ \| |/ _' |/ _' | __/ _ \
| (_) | | | | | | | | | | (_| | (_| | ||  __/
 \___/|_| |_| |_|_| |_|_|\__, |\__,_|\__\___|
                         |___/
`

// callSessionMaxAge is how long an orphaned call session may linger before
// the janitor removes it.
const callSessionMaxAge = 4 * time.Hour

func getConfigPath() string {
	if envPath := os.Getenv("OMNIGATE_CONFIG"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

func main() {
	// Local development keeps secrets in .env; missing file is fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Public:   %s\n", cfg.Server.PublicURL)
	fmt.Println()

	logger.Info("starting omnigate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sessions, err := auth.NewSessions(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("configuring sessions: %w", err)
	}

	eventBus := bus.New(cfg.Stream.BufferSize)
	conversations := conversation.NewService(st, eventBus, logger)
	escalations := escalation.NewMachine(st, conversations, logger)
	streamURL := strings.Replace(cfg.Server.PublicURL, "http", "ws", 1) + "/voice/stream"

	gw := gateway.New(gateway.Options{
		Store: st,
		Adapters: []channel.Adapter{
			channel.NewWhatsAppAdapter(),
			channel.NewTelegramAdapter(),
		},
		Identities:       identity.NewResolver(st, logger),
		Conversations:    conversations,
		Escalations:      escalations,
		Bus:              eventBus,
		Runner:           ai.NewOpenAIRunner(cfg.AI.APIKey, cfg.AI.BaseURL),
		Deduper:          guard.NewDeduper(cfg.Ingest.DedupeWindow),
		Limiter:          guard.NewLimiter(cfg.Ingest.RatePerMin, cfg.Ingest.RateBurst),
		Sessions:         sessions,
		VoiceBoot:        voice.NewBootstrap(st, streamURL, cfg.Providers.Voice.FallbackAuthToken, logger),
		VoiceStream:      voice.NewStreamHandler(st, logger),
		Heartbeat:        cfg.Stream.HeartbeatInterval,
		WhatsAppFallback: cfg.Providers.WhatsApp.FallbackSecret,
		TelegramFallback: cfg.Providers.Telegram.FallbackSecretToken,
		Logger:           logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go callSessionJanitor(ctx, st, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// callSessionJanitor periodically removes call sessions whose stream never
// closed cleanly.
func callSessionJanitor(ctx context.Context, st store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.DeleteStaleCallSessions(ctx, time.Now().Add(-callSessionMaxAge))
			if err != nil {
				logger.Warn("call session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("removed stale call sessions", "count", n)
			}
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
