package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Map a client error to an HTTP status and a short kind
func classifyError(err error) (int, string) {
	var connErr *harmonyapi.ConnectionError
	var protoErr *harmonyapi.ProtocolError
	var decodeErr *harmonyapi.DecodeError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable, "connection"
	case errors.As(err, &protoErr):
		return http.StatusBadGateway, "protocol"
	case errors.As(err, &decodeErr):
		return http.StatusBadGateway, "decode"
	}

	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classifyError(err)
	logging.Logger(r.Context()).WithError(err).Errorf("%s %s failed (%s)", r.Method, r.URL.Path, kind)

	writeJSON(w, r, status, errorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logging.Logger(r.Context()).WithError(err).Error("encoding response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logging.Logger(r.Context()).WithError(err).Warn("writing response")
	}
}
