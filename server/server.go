// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shelfsync/pkg/shelfsync"
	"shelfsync/syncer"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

// Templates.
var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// OAuth interface for the Slack authorization code exchange.
type OAuth interface {
	ExchangeCode(ctx context.Context, code string) (*shelfsync.User, error)
}

// Store interface for user management.
type Store interface {
	Upsert(ctx context.Context, user *shelfsync.User) error
	UpdateSettings(ctx context.Context, id, profileID string, updatePicture, updateStatus, updateTitle bool) (*shelfsync.User, error)
}

// Syncer interface for triggering profile syncs.
type Syncer interface {
	Sync(ctx context.Context, user *shelfsync.User) error
	RefreshAll(ctx context.Context) ([]syncer.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	oauth    OAuth
	store    Store
	syncer   Syncer
	logger   *slog.Logger
	limiter  *ipLimiter
	clientID string
	baseURL  string
}

// Config holds server configuration.
type Config struct {
	OAuth    OAuth
	Store    Store
	Syncer   Syncer
	Logger   *slog.Logger
	ClientID string // Slack app client id, used to build the authorize link
	BaseURL  string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		oauth:    cfg.OAuth,
		store:    cfg.Store,
		syncer:   cfg.Syncer,
		clientID: cfg.ClientID,
		baseURL:  cfg.BaseURL,
		logger:   cfg.Logger,
		// One settings/authorize request per second per IP, small burst.
		limiter: newIPLimiter(1, 5),
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/refreshz", s.handleRefresh)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe starts the server on the given port.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      120 * time.Second, // a settings save runs a full sync inline
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

// handleRoot serves the landing page, or completes the OAuth exchange when
// Slack redirects back with a code.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	setSecurityHeaders(w)

	code := r.URL.Query().Get("code")
	if code == "" {
		authorizeURL := fmt.Sprintf(
			"https://slack.com/oauth/v2/authorize?client_id=%s&user_scope=%s&redirect_uri=%s",
			url.QueryEscape(s.clientID),
			url.QueryEscape("users.profile:read,users.profile:write"),
			url.QueryEscape(s.baseURL+"/"))
		s.render(w, "index.tmpl", map[string]string{"AuthorizeURL": authorizeURL})
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	user, err := s.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		s.logger.Error("OAuth exchange failed", "error", err)
		s.renderError(w, http.StatusBadGateway, "Slack did not accept the authorization code.")
		return
	}

	if err := s.store.Upsert(r.Context(), user); err != nil {
		s.logger.Error("Failed to save user", "user_id", user.ID, "error", err)
		s.renderError(w, http.StatusInternalServerError, "Could not save your account.")
		return
	}

	s.logger.Info("User authorized", "user_id", user.ID, "ip", ip)
	s.render(w, "settings.tmpl", user)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// refreshEntry is one user's outcome in the refresh summary.
type refreshEntry struct {
	UserID    string `json:"user_id"`
	ProfileID string `json:"profile_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type refreshSummary struct {
	Results []refreshEntry `json:"results"`
	Total   int            `json:"total"`
	Failed  int            `json:"failed"`
}

// handleRefresh syncs every user. One user's failure is reported in the
// summary, never as a whole-batch failure.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Refresh endpoint triggered")

	results, err := s.syncer.RefreshAll(r.Context())
	if err != nil {
		s.logger.Error("Refresh failed before any user was synced", "error", err)
		http.Error(w, "Refresh failed", http.StatusInternalServerError)
		return
	}

	summary := refreshSummary{Total: len(results), Results: make([]refreshEntry, 0, len(results))}
	for _, res := range results {
		entry := refreshEntry{UserID: res.UserID, ProfileID: res.ProfileID}
		if res.Failed() {
			entry.Error = res.Err.Error()
			summary.Failed++
		}
		summary.Results = append(summary.Results, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		s.logger.Warn("Failed to write refresh summary", "error", err)
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) renderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, "error.tmpl", map[string]string{"Message": message}); err != nil {
		s.logger.Error("Failed to render template", "template", "error.tmpl", "error", err)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// checkboxToBool converts an HTML checkbox value ("on" when checked) to a bool.
func checkboxToBool(value string) bool {
	return value == "on"
}

// ipLimiter rate limits requests per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
