// Package gateway assembles the HTTP server: it wires stores, the settings
// cache, the safety engine, the pipeline orchestrator, and every handler
// onto one mux and owns the listener lifecycle.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sentrahq/sentra/internal/config"
	httpapi "github.com/sentrahq/sentra/internal/http"
	"github.com/sentrahq/sentra/internal/pipeline"
	"github.com/sentrahq/sentra/internal/providers"
	"github.com/sentrahq/sentra/internal/safety"
	"github.com/sentrahq/sentra/internal/settings"
	"github.com/sentrahq/sentra/internal/store"
)

// Server is the Sentra gateway HTTP server.
type Server struct {
	cfg     *config.Config
	stores  *store.Stores
	cache   *settings.Cache
	orch    *pipeline.Orchestrator
	matcher *safety.Matcher
	log     *slog.Logger
	version string

	moderation safety.ModerationClient

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the full request path. moderation may be nil; the safety
// engine then audits every turn as moderation-skipped.
func NewServer(cfg *config.Config, stores *store.Stores, provider providers.CompletionProvider, moderation safety.ModerationClient, version string, log *slog.Logger) *Server {
	bootTTL := time.Duration(cfg.Safety.CacheTTLMS) * time.Millisecond
	cache := settings.NewCache(stores.Config, bootTTL, log)
	matcher := safety.NewMatcher(log)
	engine := safety.NewEngine(matcher, moderation, log)
	orch := pipeline.NewOrchestrator(stores, cache, engine, provider, log)

	return &Server{
		cfg:        cfg,
		stores:     stores,
		cache:      cache,
		orch:       orch,
		matcher:    matcher,
		moderation: moderation,
		log:        log,
		version:    version,
	}
}

// Cache exposes the settings cache so serve can prime it before listening.
func (s *Server) Cache() *settings.Cache { return s.cache }

// ModerationAdapter bridges the providers moderation client into the
// narrow interface the safety engine consumes.
type ModerationAdapter struct {
	Client *providers.ModerationClient
}

func (a ModerationAdapter) Moderate(ctx context.Context, text string) (*safety.ModerationResult, error) {
	res, err := a.Client.Moderate(ctx, text)
	if err != nil {
		return nil, err
	}
	return &safety.ModerationResult{Categories: res.Categories, Scores: res.Scores}, nil
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	httpapi.NewConversationsHandler(s.stores, s.log).RegisterRoutes(mux)
	httpapi.NewMessagesHandler(s.orch, s.stores, s.log).RegisterRoutes(mux)
	httpapi.NewStreamHandler(s.orch, s.stores, s.log).RegisterRoutes(mux)
	httpapi.NewAdminHandler(
		s.stores, s.cache, s.matcher, s.moderation,
		s.cfg.Admin.Key, s.cfg.Admin.FailuresPerMinute, s.log,
	).RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Start listens until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.Server.Addr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.log.Info("gateway.starting", "addr", addr, "version", s.version)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, s.version)
}

// StartTestServer listens on a random local port and returns the actual
// address and a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
