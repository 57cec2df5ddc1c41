package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/service"
	"ceylontea/backend/internal/store"
	"ceylontea/backend/internal/xid"
)

type Options struct {
	AllowedOrigin string
	// EnforceRoles restricts tea create/update/delete to managers and admins.
	EnforceRoles bool
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *zap.Logger
	allowedOrigin string
	enforceRoles  bool
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, logger *zap.Logger, opts Options) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger.Named("http"),
		allowedOrigin: opts.AllowedOrigin,
		enforceRoles:  opts.EnforceRoles,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

// attemptLimiter counts failed attempts per key in a sliding window.
type attemptLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	entries   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time), now: time.Now}
}

// Allow reports whether key is still under the failure limit. It does not
// count as an attempt.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.recentLocked(key, l.now())) < l.max
}

func (l *attemptLimiter) Fail(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.entries[key] = append(l.recentLocked(key, now), now)
}

// recentLocked drops expired timestamps for key and, once per window, every
// key that has gone quiet.
func (l *attemptLimiter) recentLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)

	if now.Sub(l.lastSweep) >= l.window {
		for k, history := range l.entries {
			if len(history) == 0 || !history[len(history)-1].After(cutoff) {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	history := l.entries[key]
	first := 0
	for first < len(history) && !history[first].After(cutoff) {
		first++
	}
	if first == len(history) {
		delete(l.entries, key)
		return nil
	}
	kept := history[first:]
	l.entries[key] = kept
	return kept
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	handleBoth(mux, "/api/login", a.handleLogin)
	handleBoth(mux, "/api/token/refresh", a.handleTokenRefresh)

	handleBoth(mux, "/api/teas", a.requireAuth(a.handleTeas))
	handleBoth(mux, "/api/sales", a.requireAuth(a.handleSales))
	handleBoth(mux, "/api/reports", a.requireAuth(a.handleReports))
	handleBoth(mux, "/api/dashboard", a.requireAuth(a.handleDashboard))
	handleBoth(mux, "/api/profile", a.requireAuth(a.handleProfile))

	return a.withMiddleware(mux)
}

// handleBoth makes the trailing slash optional. The slash pattern also
// matches everything below it, so handlers must check the path tail.
func handleBoth(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, h)
	mux.HandleFunc(path+"/", h)
}

func pathTail(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			writeError(w, http.StatusUnauthorized, errors.New("Authentication credentials were not provided."))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseAccessToken(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role domain.Role, allowed []domain.Role) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// canManageCatalog reports whether the caller may change teas, writing a 403
// when it may not.
func (a *API) canManageCatalog(w http.ResponseWriter, r *http.Request) bool {
	if !a.enforceRoles {
		return true
	}
	actor, _ := service.ActorFromContext(r.Context())
	if isRoleAllowed(actor.Role, []domain.Role{domain.RoleManager, domain.RoleAdmin}) {
		return true
	}
	writeError(w, http.StatusForbidden, errors.New("You do not have permission to perform this action."))
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if pathTail(r, "/api/login") != "" {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	client := clientKey(r)
	if !a.loginLimiter.Allow(client) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.loginLimiter.Fail(client)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingCredentials), errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAccountDisabled):
			a.loginLimiter.Fail(client)
			a.logger.Info("login rejected", zap.String("username", req.Username), zap.String("reason", err.Error()), zap.String("request_id", requestIDFrom(r.Context())))
			writeJSON(w, http.StatusBadRequest, map[string][]string{service.NonFieldErrors: {err.Error()}})
		default:
			a.writeServiceError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if pathTail(r, "/api/token/refresh") != "" {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.TokenRefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Refresh) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"refresh": {"This field is required."}})
		return
	}

	resp, err := a.auth.Refresh(r.Context(), strings.TrimSpace(req.Refresh))
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTeas(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/api/teas")
	if tail != "" {
		a.handleTeaDetail(w, r, tail)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		teas, err := a.service.ListTeas(r.Context(), domain.TeaFilter{
			Category: query.Get("category"),
			Search:   query.Get("search"),
			InStock:  strings.EqualFold(strings.TrimSpace(query.Get("in_stock")), "true"),
		})
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		if teas == nil {
			teas = []domain.Tea{}
		}
		writeJSON(w, http.StatusOK, teas)
	case http.MethodPost:
		if !a.canManageCatalog(w, r) {
			return
		}
		var req domain.TeaInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tea, err := a.service.CreateTea(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, tea)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTeaDetail(w http.ResponseWriter, r *http.Request, tail string) {
	id, err := strconv.ParseInt(tail, 10, 64)
	if err != nil || id < 1 {
		writeNotFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		tea, err := a.service.GetTea(r.Context(), id)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tea)
	case http.MethodPut, http.MethodPatch:
		if !a.canManageCatalog(w, r) {
			return
		}
		var req domain.TeaInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tea, err := a.service.UpdateTea(r.Context(), id, req, r.Method == http.MethodPatch)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tea)
	case http.MethodDelete:
		if !a.canManageCatalog(w, r) {
			return
		}
		if err := a.service.DeleteTea(r.Context(), id); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if pathTail(r, "/api/sales") != "" {
		writeNotFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		sales, err := a.service.ListSales(r.Context(), service.SaleQuery{
			StartDate: query.Get("start_date"),
			EndDate:   query.Get("end_date"),
			Category:  query.Get("category"),
		})
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		if sales == nil {
			sales = []domain.Sale{}
		}
		writeJSON(w, http.StatusOK, sales)
	case http.MethodPost:
		var req domain.SaleInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.CreateSale(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sale)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleReports(w http.ResponseWriter, r *http.Request) {
	if pathTail(r, "/api/reports") != "" {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	report, err := a.service.Report(r.Context(), service.ReportQuery{
		Type:      query.Get("type"),
		StartDate: query.Get("start_date"),
		EndDate:   query.Get("end_date"),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if pathTail(r, "/api/dashboard") != "" {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	dashboard, err := a.service.Dashboard(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if pathTail(r, "/api/profile") != "" {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	profile, err := a.service.Profile(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, verr.Fields)
	case errors.Is(err, service.ErrInvalidParameter):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeNotFound(w)
	case errors.Is(err, service.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err)
	default:
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err)
	}
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder remembers the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > 128 {
			requestID = xid.New("req")
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		rec := &statusRecorder{ResponseWriter: w}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(startedAt)),
			zap.String("request_id", requestID),
		)
	})
}

// decodeJSON fills dest from the request body. Unknown fields are ignored so
// clients can send back objects they read, and an empty body decodes as {}.
func decodeJSON(r *http.Request, dest any) error {
	err := json.NewDecoder(r.Body).Decode(dest)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var maxErr *http.MaxBytesError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &maxErr):
		return errors.New("request body too large")
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return fmt.Errorf("invalid value for field %q", typeErr.Field)
	}
	return errors.New("invalid JSON body")
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
