package waf

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	RequestID         string `json:"request_id,omitempty"`
}

// StatusFor maps a decision to an HTTP status code.
func StatusFor(d Decision) int {
	switch d.Action {
	case ActionAllow:
		return http.StatusOK
	case ActionThrottle:
		return http.StatusTooManyRequests
	case ActionBlocked:
		return http.StatusForbidden
	}
	switch {
	case d.Reason == ReasonBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case d.Reason == ReasonMalformedRequest, d.Reason == ReasonMalformedJSON:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// WriteDecision writes the JSON error response for a non-ALLOW decision.
// Block reasons and signature details stay server side.
func WriteDecision(w http.ResponseWriter, d Decision, requestID string) {
	resp := errorResponse{RequestID: requestID}
	switch d.Action {
	case ActionThrottle:
		resp.Error = "rate_limited"
		resp.Message = "Too many requests, retry later"
		if d.Reason == ReasonLoginAttempts {
			resp.Error = "too_many_login_attempts"
			resp.Message = "Too many authentication attempts, retry later"
		}
		resp.RetryAfterSeconds = d.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	case ActionBlocked:
		resp.Error = "blocked"
		resp.Message = "Access denied"
	default:
		switch {
		case d.Reason == ReasonBodyTooLarge:
			resp.Error = "payload_too_large"
			resp.Message = "Request body exceeds the allowed size"
		case d.Reason == ReasonMalformedRequest, d.Reason == ReasonMalformedJSON:
			resp.Error = "bad_request"
			resp.Message = "Malformed request"
		case strings.HasPrefix(d.Reason, ReasonAttackPrefix):
			resp.Error = "malicious_input"
			resp.Message = "Request rejected"
		default:
			resp.Error = "rejected"
			resp.Message = "Request rejected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(StatusFor(d))
	_ = json.NewEncoder(w).Encode(resp)
}
