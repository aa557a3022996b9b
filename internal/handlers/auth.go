package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"codexbridge/internal/auth"
	"codexbridge/pkg/logging/logging"
)

// AuthHandler exposes the device-login lifecycle over HTTP. The polling
// task it launches is bound to baseCtx, not the request context, so it
// survives the /auth/start request returning.
type AuthHandler struct {
	Flow   *auth.Flow
	Tokens *auth.TokenManager
	Poller *auth.Poller
	State  *auth.StateStore

	baseCtx context.Context
}

func NewAuthHandler(baseCtx context.Context, flow *auth.Flow, tokens *auth.TokenManager, poller *auth.Poller, state *auth.StateStore) *AuthHandler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &AuthHandler{
		Flow:    flow,
		Tokens:  tokens,
		Poller:  poller,
		State:   state,
		baseCtx: baseCtx,
	}
}

type startResponse struct {
	Status          auth.Status `json:"status"`
	VerificationURL string      `json:"verification_url"`
	UserCode        string      `json:"user_code"`
	ExpiresIn       int         `json:"expires_in"`
	Interval        int         `json:"interval"`
}

// Start handles POST /v1/auth/start: initiates a device authorization and
// kicks off background polling. 409 if a flow is already live.
func (h *AuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	grant, err := h.Flow.Initiate(r.Context())
	if err != nil {
		logger.Error("device authorization initiate failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "could not start device authorization")
		return
	}

	if _, err := h.Poller.Start(h.baseCtx, grant); err != nil {
		if errors.Is(err, auth.ErrFlowInProgress) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(h.State.Current())
			return
		}
		logger.Error("device polling start failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not start device polling")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(startResponse{
		Status:          auth.StatusAwaiting,
		VerificationURL: grant.VerificationURL,
		UserCode:        grant.UserCode,
		ExpiresIn:       grant.ExpiresIn,
		Interval:        grant.Interval,
	})
}

type statusResponse struct {
	auth.ConnState
	Authenticated bool `json:"authenticated"`
}

// Status handles GET /v1/auth/status.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		ConnState:     h.State.Current(),
		Authenticated: h.Tokens.IsConnected(r.Context()),
	})
}

// Logout handles POST /v1/auth/logout: stops any live flow and clears the
// persisted credentials.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	h.Poller.StopActive()

	if err := h.Tokens.ClearTokens(r.Context()); err != nil {
		logger.Error("clearing credentials failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not clear credentials")
		return
	}
	h.State.Set(auth.ConnState{Status: auth.StatusDisconnected})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(auth.StatusDisconnected)})
}
