package web

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	// ErrWildcardOrigin indicates "*" in the origin list; credentialed CORS cannot use it.
	ErrWildcardOrigin = errors.New("cors.wildcard_origin")
	// ErrNoOrigins indicates the list held only blank entries.
	ErrNoOrigins = errors.New("cors.no_origins")
	// ErrInvalidOrigin indicates an entry that is not a bare http(s) scheme://host origin.
	ErrInvalidOrigin = errors.New("cors.invalid_origin")
)

// CrossOrigin answers CORS preflights for the API and the channel endpoint.
// Authorization and Refresh-Token must be allowed since clients send credentials in headers.
func CrossOrigin(logger *zap.Logger, origins []string) (gin.HandlerFunc, error) {
	allowed, err := NormalizeOrigins(logger, origins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     allowed,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Refresh-Token", "Content-Type", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}), nil
}

// NormalizeOrigins validates scheme://host origins, drops duplicates and
// keeps the configured order.
func NormalizeOrigins(logger *zap.Logger, origins []string) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]struct{}, len(origins))
	normalized := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, ErrWildcardOrigin
		}
		parsed, parseErr := url.Parse(trimmed)
		if parseErr != nil || parsed.Host == "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidOrigin, trimmed)
		}
		if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
			return nil, fmt.Errorf("%w: %s is not a bare origin", ErrInvalidOrigin, trimmed)
		}
		scheme := strings.ToLower(parsed.Scheme)
		if scheme != "https" && scheme != "http" {
			return nil, fmt.Errorf("%w: %s uses unsupported scheme", ErrInvalidOrigin, trimmed)
		}
		value := scheme + "://" + strings.ToLower(parsed.Host)
		if _, duplicate := seen[value]; duplicate {
			continue
		}
		if scheme == "http" && !isLoopback(parsed.Hostname()) {
			logger.Warn("plain http origin allowed",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", value))
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	if len(normalized) == 0 {
		return nil, ErrNoOrigins
	}
	return normalized, nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}
