package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/dispatch"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

const maxBodyBytes = 1 << 20

// api is the management surface plus the provider-facing webhook ingress.
// It is deliberately thin: request plumbing only, no business rules.
type api struct {
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
}

func newAPI(reg *registry.Registry, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *api {
	return &api{
		reg:        reg,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/telegram/{id}", a.handleWebhook)

	mux.HandleFunc("POST /api/bots", a.handleCreate)
	mux.HandleFunc("GET /api/bots", a.handleList)
	mux.HandleFunc("GET /api/bots/{id}", a.handleGet)
	mux.HandleFunc("PATCH /api/bots/{id}", a.handleUpdate)
	mux.HandleFunc("DELETE /api/bots/{id}", a.handleDelete)
	mux.HandleFunc("POST /api/bots/{id}/start", a.handleStart)
	mux.HandleFunc("POST /api/bots/{id}/stop", a.handleStop)
}

// handleWebhook always acknowledges. The provider retries non-2xx
// deliveries for days; failing here would only replay traffic we already
// decided how to handle.
func (a *api) handleWebhook(w http.ResponseWriter, r *http.Request) {
	botID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.logger.Warn().Err(err).Int64("bot_id", botID).Msg("failed to read webhook body")
		w.WriteHeader(http.StatusOK)
		return
	}
	a.dispatcher.Handle(r.Context(), botID, payload)
	w.WriteHeader(http.StatusOK)
}

type botResponse struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Label       string `json:"label"`
	Active      bool   `json:"active"`
	Settings    any    `json:"settings"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toBotResponse(b storage.Bot) botResponse {
	var settings any = map[string]any{}
	if strings.TrimSpace(b.SettingsJSON) != "" {
		_ = json.Unmarshal([]byte(b.SettingsJSON), &settings)
	}
	return botResponse{
		ID:          b.ID,
		UserID:      b.UserID,
		Username:    b.Username,
		DisplayName: b.DisplayName,
		Label:       b.Label,
		Active:      b.Active,
		Settings:    settings,
		CreatedAt:   b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type createBotRequest struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
	Label  string `json:"label"`
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.UserID == 0 || strings.TrimSpace(req.Token) == "" {
		a.writeError(w, http.StatusBadRequest, "user_id and token are required")
		return
	}

	bot, err := a.reg.Create(r.Context(), req.UserID, strings.TrimSpace(req.Token), strings.TrimSpace(req.Label))
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, toBotResponse(bot))
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		a.writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	bots, err := a.reg.List(r.Context(), userID)
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	out := make([]botResponse, len(bots))
	for i, b := range bots {
		out[i] = toBotResponse(b)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"bots": out})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	botID, ok := a.pathID(w, r)
	if !ok {
		return
	}
	bot, err := a.reg.Get(r.Context(), botID)
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toBotResponse(bot))
}

type updateBotRequest struct {
	Token    *string          `json:"token"`
	Label    *string          `json:"label"`
	Settings *json.RawMessage `json:"settings"`
}

func (a *api) handleUpdate(w http.ResponseWriter, r *http.Request) {
	botID, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req updateBotRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Token == nil && req.Label == nil && req.Settings == nil {
		a.writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	var settingsJSON *string
	if req.Settings != nil {
		s := string(*req.Settings)
		settingsJSON = &s
	}

	bot, err := a.reg.Update(r.Context(), botID, req.Token, req.Label, settingsJSON)
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toBotResponse(bot))
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	botID, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.reg.Delete(r.Context(), botID); err != nil {
		a.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	botID, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.reg.Start(r.Context(), botID); err != nil {
		a.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	botID, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.reg.Stop(r.Context(), botID); err != nil {
		a.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		a.writeError(w, http.StatusBadRequest, "invalid bot id")
		return 0, false
	}
	return id, true
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (a *api) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "bot not found")
	case errors.Is(err, registry.ErrInvalidCredential):
		a.writeError(w, http.StatusUnprocessableEntity, "credential rejected by provider")
	case errors.Is(err, registry.ErrDuplicateCredential):
		a.writeError(w, http.StatusConflict, "credential already registered")
	case errors.Is(err, registry.ErrInactive):
		a.writeError(w, http.StatusConflict, "bot is stopped")
	default:
		// Raw provider errors can embed the token in request URLs.
		a.logger.Error().Msg(sanitizeCredential(err.Error()))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// sanitizeCredential masks Bot API tokens that surface inside error text
// as /bot<token>/ path segments.
func sanitizeCredential(msg string) string {
	var b strings.Builder
	for {
		start := strings.Index(msg, "/bot")
		if start < 0 {
			b.WriteString(msg)
			return b.String()
		}
		rest := msg[start+len("/bot"):]
		end := strings.IndexAny(rest, "/ \"")
		if end < 0 {
			end = len(rest)
		}
		b.WriteString(msg[:start])
		b.WriteString("/bot<redacted>")
		msg = rest[end:]
	}
}
