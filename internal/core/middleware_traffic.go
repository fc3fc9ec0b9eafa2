package core

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"careintake/internal/types"
)

const (
	rateLimitWindow        = time.Minute
	defaultRateLimitPerMin = 30
)

// RateLimit throttles unauthenticated write endpoints (signup, discount
// checks) per client IP and path. GET requests pass through. Store errors
// fail open.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitStore == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		limit := s.rateLimitPerMinute()
		key := "rl:" + clientIP(r) + ":" + r.URL.Path

		result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, rateLimitWindow)
		if err != nil {
			s.Logger.ErrorContext(r.Context(), "rate limit store error", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			s.Logger.WarnContext(r.Context(), "rate limit exceeded", "key", key, "path", r.URL.Path)
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "too many attempts, please wait a moment and try again", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitPerMinute() int {
	if s.Config != nil && s.Config.Redis.RequestsPerMinute > 0 {
		return s.Config.Redis.RequestsPerMinute
	}
	return defaultRateLimitPerMin
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
