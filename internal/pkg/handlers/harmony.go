package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/pkg/errors"
)

/*
 * HarmonyHandler exposes the hub operations over HTTP.  Every route uses
 * the one shared client, whose session serialises the calls.  When the hub
 * drops the session the handler swaps in a new client from its Reconnect
 * func.
 */

// Reconnect returns a client with a fresh session
type Reconnect func(ctx context.Context) (harmonyapi.Harmony, error)

type HarmonyHandler struct {
	reconnect Reconnect

	mu     sync.Mutex
	client harmonyapi.Harmony
}

type currentActivityResponse struct {
	ActivityID int `json:"activityId"`
}

type rawReplyResponse struct {
	Reply string `json:"reply"`
}

type turnOffResponse struct {
	Off bool `json:"off"`
}

func NewHarmonyHandler(client harmonyapi.Harmony) *HarmonyHandler {
	return &HarmonyHandler{
		client: client,
	}
}

func (h *HarmonyHandler) WithReconnect(fn Reconnect) *HarmonyHandler {
	h.reconnect = fn
	return h
}

// Close ends the session of the current client
func (h *HarmonyHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client.Close()
}

func (h *HarmonyHandler) current() harmonyapi.Harmony {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// replace failed with a newly connected client, unless another request
// already did
func (h *HarmonyHandler) redial(ctx context.Context, failed harmonyapi.Harmony) (harmonyapi.Harmony, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != failed {
		return h.client, nil
	}

	logging.Logger(ctx).Info("hub session lost, reconnecting")
	client, err := h.reconnect(ctx)
	if err != nil {
		return nil, err
	}

	if err := failed.Close(); err != nil {
		logging.Logger(ctx).WithError(err).Debug("closing lost session")
	}
	h.client = client

	return client, nil
}

// call runs fn against the current client.  A session that was not ready
// never saw the request, so fn is retried once on a new session; a session
// that dropped mid-request is replaced for the next caller only.
func (h *HarmonyHandler) call(r *http.Request, fn func(c harmonyapi.Harmony) error) error {
	client := h.current()

	err := fn(client.WithContext(r.Context()))
	if err == nil || h.reconnect == nil {
		return err
	}

	notReady := errors.Is(err, harmonyapi.ErrNotReady)
	if !notReady && !errors.Is(err, harmonyapi.ErrChannelClosed) {
		return err
	}

	fresh, rerr := h.redial(r.Context(), client)
	if rerr != nil {
		logging.Logger(r.Context()).WithError(rerr).Warn("reconnecting to hub")
		return err
	}

	if !notReady {
		return err
	}

	return fn(fresh.WithContext(r.Context()))
}

// Register adds the hub routes to r
func (h *HarmonyHandler) Register(r *mux.Router) {
	r.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/activity", h.getCurrentActivity).Methods(http.MethodGet)
	r.HandleFunc("/activity/{id}", h.startActivity).Methods(http.MethodPost)
	r.HandleFunc("/off", h.turnOff).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/commands/{command}", h.sendCommand).Methods(http.MethodPost)
}

func (h *HarmonyHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	var cfg *harmonyapi.Configuration
	err := h.call(r, func(c harmonyapi.Harmony) (err error) {
		cfg, err = c.Configuration()
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := cfg.Render(w); err != nil {
			logging.Logger(r.Context()).WithError(err).Warn("writing config summary")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, cfg)
}

func (h *HarmonyHandler) getCurrentActivity(w http.ResponseWriter, r *http.Request) {
	var id int
	err := h.call(r, func(c harmonyapi.Harmony) (err error) {
		id, err = c.CurrentActivity()
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, currentActivityResponse{ActivityID: id})
}

func (h *HarmonyHandler) startActivity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var reply string
	err := h.call(r, func(c harmonyapi.Harmony) (err error) {
		reply, err = c.StartActivity(id)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, rawReplyResponse{Reply: reply})
}

func (h *HarmonyHandler) turnOff(w http.ResponseWriter, r *http.Request) {
	var off bool
	err := h.call(r, func(c harmonyapi.Harmony) (err error) {
		off, err = c.TurnOff()
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, turnOffResponse{Off: off})
}

func (h *HarmonyHandler) sendCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var reply string
	err := h.call(r, func(c harmonyapi.Harmony) (err error) {
		reply, err = c.SendButtonPress(vars["command"], vars["id"])
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, rawReplyResponse{Reply: reply})
}
