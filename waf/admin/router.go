package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gatewarden/waf/blocklist"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
)

// RouterOptions configures the admin listener.
type RouterOptions struct {
	// RequestsPerMinute limits each caller of the admin API. Default 120.
	RequestsPerMinute int
	// Metrics and Health are mounted at /metrics and /health when set.
	Metrics http.Handler
	Health  http.Handler
}

// NewRouter returns the loopback-only admin API.
func NewRouter(svc *Service, opts RouterOptions) http.Handler {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 120
	}
	h := &handler{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LocalhostOnly)
	r.Use(httprate.Limit(
		opts.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
		}),
	))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Health != nil {
		r.Method(http.MethodGet, "/health", opts.Health)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Get("/blocks", h.listBlocks)
		r.Post("/blocks", h.block)
		r.Delete("/blocks/{ip}", h.unblock)
		r.Get("/stats", h.stats)
		r.Post("/cleanup", h.cleanup)
	})
	return r
}

type handler struct {
	svc *Service
}

type BlockRequest struct {
	IP     string `json:"ip" validate:"required,ip"`
	Reason string `json:"reason" validate:"max=200"`
}

type BlockResponse struct {
	Entry blocklist.Entry `json:"entry"`
	Added bool            `json:"added"`
}

type UnblockResponse struct {
	IP      string `json:"ip"`
	Removed bool   `json:"removed"`
}

type CleanupRequest struct {
	RetentionDays int `json:"retention_days" validate:"required,gte=1,lte=3650"`
}

func (h *handler) listBlocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListBlocks())
}

func (h *handler) block(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if !decode(w, r, &req) {
		return
	}
	entry, added, err := h.svc.BlockIP(req.IP, req.Reason)
	switch {
	case errors.Is(err, blocklist.ErrWhitelisted):
		writeError(w, http.StatusConflict, "whitelisted", err.Error())
		return
	case errors.Is(err, blocklist.ErrInvalidIP):
		writeError(w, http.StatusBadRequest, "invalid_ip", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, BlockResponse{Entry: entry, Added: added})
}

func (h *handler) unblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	removed, err := h.svc.UnblockIP(ip)
	if errors.Is(err, blocklist.ErrInvalidIP) {
		writeError(w, http.StatusBadRequest, "invalid_ip", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, UnblockResponse{IP: ip, Removed: removed})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_since", err.Error())
		return
	}
	until, err := parseTime(r.URL.Query().Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_until", err.Error())
		return
	}
	if !since.IsZero() && !until.IsZero() && !since.Before(until) {
		writeError(w, http.StatusBadRequest, "invalid_window", "since must be before until")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.SecurityStats(since, until))
}

func (h *handler) cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.CleanupOldData(req.RetentionDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp: %w", err)
	}
	return t, nil
}

var validate = validator.New()

// decode reads and validates a JSON body, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("%s: %s", ve[0].Field(), formatValidationError(ve[0])))
			return false
		}
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "ip":
		return "must be a valid IP address"
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
