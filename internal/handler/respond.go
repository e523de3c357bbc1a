// internal/handler/respond.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/logger"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response encode failed", zap.Error(err))
	}
}

// WriteError maps domain errors onto HTTP statuses.
func WriteError(w http.ResponseWriter, err error) {
	var (
		notFound   *appErrors.NotFoundError
		validation *appErrors.ValidationError
		importErr  *appErrors.ImportFormatError
		authErr    *appErrors.AuthenticationError
		transport  *appErrors.TransportError
		proxyErr   *appErrors.ProxyError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &importErr):
		status = http.StatusBadRequest
	case errors.As(err, &authErr), errors.As(err, &transport), errors.As(err, &proxyErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

// ParseTime accepts RFC 3339 or epoch milliseconds. Empty is the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
