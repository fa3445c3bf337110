package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"smartwarehouse/internal/ratelimit"
	"smartwarehouse/internal/util"
	"smartwarehouse/pkg/store"
	"smartwarehouse/services/warehouse/internal/app"
	"smartwarehouse/services/warehouse/internal/security"
)

const (
	sessionCookie  = "wh_session"
	rememberCookie = "wh_remember"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	Redis                      redis.Scripter
	LoginRateLimitPerMinute    int
	RegisterRateLimitPerMinute int
	MaxUploadBytes             int64
	CookieSecure               bool
	CORSAllowedOrigins         []string
	TrustedProxies             *util.TrustedProxies
	// UploadDir is served under /uploads/products/ when set (local image store).
	UploadDir string
}

// Server exposes HTTP endpoints for the warehouse service.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	maxUploadBytes  int64
	cookieSecure    bool
	corsOrigins     []string
	trustedProxies  *util.TrustedProxies
	uploadDir       string
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
	alerter         *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client required for rate limiting")
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.PerMinute(cfg.Redis, "warehouse:ratelimit:"+name, limit)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		maxUploadBytes:  maxUpload,
		cookieSecure:    cfg.CookieSecure,
		corsOrigins:     cfg.CORSAllowedOrigins,
		trustedProxies:  cfg.TrustedProxies,
		uploadDir:       cfg.UploadDir,
		loginLimiter:    loginLimiter,
		registerLimiter: registerLimiter,
		alerter:         security.NewAuditAlerter(cfg.Redis, "warehouse:alerts"),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("warehouse",
			util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/auth/me", s.authenticated(s.handleMe))

	// catalog & intake (auth required)
	s.mux.Handle("/api/categories", s.authenticated(s.handleCategories))
	s.mux.Handle("/api/products/validate_and_suggest", s.authenticated(s.handleValidateAndSuggest))
	s.mux.Handle("/api/products/save", s.authenticated(s.handleSaveProduct))
	s.mux.Handle("/api/products/", s.authenticated(s.handleProductByID))

	if s.uploadDir != "" {
		s.mux.Handle("/uploads/products/", http.StripPrefix("/uploads/", noDirListing(http.FileServer(http.Dir(s.uploadDir)))))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, store.Session)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.authorize(w, r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, sess)
	})
}

// authorize resolves the session from the session cookie or bearer token and
// falls back to the remember-me cookie, issuing a fresh session cookie.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	ctx := r.Context()
	if token := sessionToken(r); token != "" {
		sess, err := s.app.Authenticate(ctx, token)
		if err == nil {
			return sess, true
		}
		if !errors.Is(err, store.ErrInvalidSession) {
			util.LoggerFromContext(ctx).Error("session_lookup_failed", "err", err)
		}
	}
	if c, err := r.Cookie(rememberCookie); err == nil && c.Value != "" {
		sess, err := s.app.ResumeSession(ctx, c.Value)
		if err == nil {
			s.setSessionCookie(w, sess)
			s.audit(r, "session_resume", "success", "user_id", sess.UserID)
			return sess, true
		}
		s.clearCookie(w, rememberCookie)
		s.audit(r, "session_resume", "rejected")
	}
	s.audit(r, "authorize", "rejected")
	return store.Session{}, false
}

type loginRequest struct {
	Login    string `json:"login"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	login := firstNonEmpty(req.Login, req.Username, req.Email)
	res, err := s.app.Login(r.Context(), login, req.Password, req.Remember)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrLoginAndPasswordRequired):
			s.audit(r, "login", "rejected", "reason", "missing_fields")
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
			reason := "invalid_credentials"
			if errors.Is(err, app.ErrUserDisabled) {
				reason = "disabled"
			}
			s.audit(r, "login", "rejected", "reason", reason)
			writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
		default:
			s.audit(r, "login", "error", "err", err)
			writeError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}
	s.setSessionCookie(w, res.Session)
	if res.RememberToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     rememberCookie,
			Value:    res.RememberToken,
			Path:     "/",
			Expires:  res.RememberExpires,
			HttpOnly: true,
			Secure:   s.cookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	s.audit(r, "login", "success", "user_id", res.User.ID, "remember", res.RememberToken != "")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      res.Session.Token,
		"expires_at": res.Session.ExpiresAt,
		"user":       res.Session,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var remember string
	if c, err := r.Cookie(rememberCookie); err == nil {
		remember = c.Value
	}
	if err := s.app.Logout(r.Context(), sessionToken(r), remember); err != nil {
		s.audit(r, "logout", "error", "err", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	s.clearCookie(w, sessionCookie)
	s.clearCookie(w, rememberCookie)
	s.audit(r, "logout", "success")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "register", "rate_limited")
		return
	}
	var req app.RegisterInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	warehouse, admin, err := s.app.Register(r.Context(), req, s.meta(r))
	if err != nil {
		var fe app.FieldErrors
		switch {
		case errors.As(err, &fe):
			s.audit(r, "register", "rejected", "fields", len(fe))
			writeFieldErrors(w, fe)
		case errors.Is(err, app.ErrWarehouseExists):
			s.audit(r, "register", "rejected", "reason", "exists")
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.audit(r, "register", "error", "err", err)
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	s.audit(r, "register", "success", "user_id", admin.ID, "warehouse_id", warehouse.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":      true,
		"message":      "warehouse registered",
		"username":     admin.Username,
		"warehouse_id": warehouse.ID,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": sess})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request, _ store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	categories, err := s.app.ListCategories(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list_categories_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not load categories")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "categories": categories})
}

func (s *Server) handleProductByID(w http.ResponseWriter, r *http.Request, _ store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/products/"), "/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	product, ok, err := s.app.GetProduct(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("get_product_failed", "product_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load product")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "product": product})
}

func (s *Server) meta(r *http.Request) app.RequestMeta {
	return app.RequestMeta{IP: s.clientIP(r), UserAgent: r.UserAgent()}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess store.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	alert, err := s.alerter.Observe(r.Context(), event, outcome, s.clientIP(r))
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", s.clientIP(r),
			"count", alert.Count,
			"window", alert.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + s.clientIP(r)
	ok, retryAfter := limiter.Allow(r.Context(), key)
	if ok {
		return true
	}
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

// sessionToken reads the session cookie, then the bearer header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
