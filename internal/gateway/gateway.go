// ABOUTME: HTTP gateway wiring all omnigate surfaces onto one chi router
// ABOUTME: Webhooks, widget API, agent console, voice endpoints, health

package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/helpmesh/omnigate/internal/ai"
	"github.com/helpmesh/omnigate/internal/auth"
	"github.com/helpmesh/omnigate/internal/bus"
	"github.com/helpmesh/omnigate/internal/channel"
	"github.com/helpmesh/omnigate/internal/conversation"
	"github.com/helpmesh/omnigate/internal/escalation"
	"github.com/helpmesh/omnigate/internal/guard"
	"github.com/helpmesh/omnigate/internal/identity"
	"github.com/helpmesh/omnigate/internal/store"
	"github.com/helpmesh/omnigate/internal/voice"
)

// Gateway owns the HTTP surface and the inbound message pipeline.
type Gateway struct {
	store         store.Store
	adapters      map[channel.Provider]channel.Adapter
	identities    *identity.Resolver
	conversations *conversation.Service
	escalations   *escalation.Machine
	bus           *bus.Bus
	runner        ai.Runner
	deduper       *guard.Deduper
	limiter       *guard.Limiter
	sessions      *auth.Sessions
	voiceBoot     *voice.Bootstrap
	voiceStream   *voice.StreamHandler

	heartbeat time.Duration
	// fallbackSecrets are provider-wide signing secrets used when an
	// integration carries none of its own.
	fallbackSecrets map[channel.Provider]string
	logger          *slog.Logger
}

// Options collects the collaborators a Gateway needs.
type Options struct {
	Store         store.Store
	Adapters      []channel.Adapter
	Identities    *identity.Resolver
	Conversations *conversation.Service
	Escalations   *escalation.Machine
	Bus           *bus.Bus
	Runner        ai.Runner
	Deduper       *guard.Deduper
	Limiter       *guard.Limiter
	Sessions      *auth.Sessions
	VoiceBoot     *voice.Bootstrap
	VoiceStream   *voice.StreamHandler

	Heartbeat        time.Duration
	WhatsAppFallback string
	TelegramFallback string
	Logger           *slog.Logger
}

// New creates a gateway.
func New(opts Options) *Gateway {
	adapters := make(map[channel.Provider]channel.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapters[a.Provider()] = a
	}

	heartbeat := opts.Heartbeat
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fallbacks := map[channel.Provider]string{
		channel.ProviderWhatsApp: opts.WhatsAppFallback,
		channel.ProviderTelegram: opts.TelegramFallback,
	}

	return &Gateway{
		store:           opts.Store,
		adapters:        adapters,
		identities:      opts.Identities,
		conversations:   opts.Conversations,
		escalations:     opts.Escalations,
		bus:             opts.Bus,
		runner:          opts.Runner,
		deduper:         opts.Deduper,
		limiter:         opts.Limiter,
		sessions:        opts.Sessions,
		voiceBoot:       opts.VoiceBoot,
		voiceStream:     opts.VoiceStream,
		heartbeat:       heartbeat,
		fallbackSecrets: fallbacks,
		logger:          logger.With("component", "gateway"),
	}
}

// Router builds the chi router with all routes mounted.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		// Widget origin enforcement is per-company, done in the handlers;
		// preflight just has to succeed.
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/healthz", g.handleHealth)

	// Provider webhooks.
	r.Route("/hooks", func(r chi.Router) {
		r.Get("/{companyID}/{chatbotID}/{provider}/{webhookID}", g.handleWebhookVerification)
		r.Post("/{companyID}/{chatbotID}/{provider}/{webhookID}", g.handleWebhook)
		r.Post("/voice/inbound", g.handleVoiceInbound)
	})

	// Telephony media stream.
	r.Get("/voice/stream", g.voiceStream.ServeHTTP)

	// Widget API.
	r.Route("/api/widget", func(r chi.Router) {
		r.Post("/session", g.handleWidgetSession)
		r.Group(func(r chi.Router) {
			r.Use(g.sessions.Middleware(auth.RoleWidget))
			r.Post("/messages", g.handleWidgetSend)
			r.Get("/events", g.handleWidgetEvents)
			r.Post("/escalations/cancel", g.handleWidgetCancelEscalation)
		})
	})

	// Agent console API.
	r.Route("/api/console", func(r chi.Router) {
		r.Use(g.sessions.Middleware(auth.RoleAgent))
		r.Get("/escalations", g.handleConsoleQueue)
		r.Route("/escalations/{conversationID}", func(r chi.Router) {
			r.Post("/assign", g.handleConsoleAssign)
			r.Post("/transfer", g.handleConsoleTransfer)
			r.Post("/resolve", g.handleConsoleResolve)
			r.Post("/return", g.handleConsoleReturn)
		})
	})

	r.With(g.sessions.Middleware(auth.RoleAgent)).
		Get("/api/conversations/{conversationID}/messages", g.handleConversationHistory)

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
