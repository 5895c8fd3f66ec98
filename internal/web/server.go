package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stock-trading-sim-go/internal/auth"
	"stock-trading-sim-go/internal/ledger"
	"stock-trading-sim-go/internal/quotes"
)

//go:embed templates/*.html
var templateFS embed.FS

// Server is the HTTP front end of the trading simulator.
type Server struct {
	server       *http.Server
	logger       *zap.Logger
	db           *gorm.DB
	ledger       *ledger.Service
	quotes       quotes.ClientInterface
	sessions     *auth.SessionManager
	templates    *template.Template
	startingCash decimal.Decimal
}

// NewServer creates a Server with all routes registered.
func NewServer(
	port int,
	logger *zap.Logger,
	db *gorm.DB,
	ledgerService *ledger.Service,
	quoteClient quotes.ClientInterface,
	sessions *auth.SessionManager,
	startingCash int64,
) (*Server, error) {
	funcs := template.FuncMap{
		"usd": func(d decimal.Decimal) string {
			// Rounding to two places happens here and only here.
			return "$" + d.StringFixed(2)
		},
	}

	templates, err := template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("could not parse templates: %w", err)
	}

	s := &Server{
		logger:       logger,
		db:           db,
		ledger:       ledgerService,
		quotes:       quoteClient,
		sessions:     sessions,
		templates:    templates,
		startingCash: decimal.NewFromInt(startingCash),
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.routes(),
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(noCache)

	r.Get("/healthz", s.healthHandler)

	r.Get("/register", s.registerForm)
	r.Post("/register", s.register)
	r.Get("/login", s.loginForm)
	r.Post("/login", s.login)

	// Everything below requires an authenticated session.
	r.Group(func(r chi.Router) {
		r.Use(s.requireLogin)

		r.Get("/", s.index)
		r.Get("/logout", s.logout)
		r.Get("/quote", s.quoteForm)
		r.Post("/quote", s.quote)
		r.Get("/buy", s.buyForm)
		r.Post("/buy", s.buy)
		r.Get("/sell", s.sellForm)
		r.Post("/sell", s.sell)
		r.Get("/cash", s.cashForm)
		r.Post("/cash", s.cash)
		r.Get("/history", s.history)
	})

	return r
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping web server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// render writes a page template with the shared layout.
func (s *Server) render(w http.ResponseWriter, status int, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", zap.String("template", name), zap.Error(err))
	}
}

// apology renders the failure page with a specific reason, mirroring the
// redirect-on-success / apology-on-failure flow of every form route.
func (s *Server) apology(w http.ResponseWriter, status int, reason string) {
	s.render(w, status, "apology.html", map[string]interface{}{
		"Status": status,
		"Reason": reason,
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(s.sessions.TTL()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
