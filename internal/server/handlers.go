package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/comigor/wa-responder/internal/history"
	"github.com/comigor/wa-responder/internal/identifier"
	"github.com/comigor/wa-responder/internal/intake"
	"github.com/comigor/wa-responder/internal/logger"
)

const maxWebhookBody = 1 << 20

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]any{"success": false, "error": message})
}

// webhookPayload is what the delivery service posts for every inbound message.
type webhookPayload struct {
	From      string          `json:"from"`
	Body      string          `json:"body"`
	Timestamp json.RawMessage `json:"timestamp"`
	Type      string          `json:"type"`
	ID        json.RawMessage `json:"id"`
	FromMe    bool            `json:"fromMe"`
	IsGroup   bool            `json:"isGroup"`
	TenantID  json.RawMessage `json:"tenant_id"`
	ClienteID json.RawMessage `json:"cliente_id"`
}

// MessageReceived acknowledges the webhook at once and processes the event asynchronously.
func (h *Handler) MessageReceived(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "could not read body")
		return
	}

	if h.deps.WebhookSecret != "" && !verifySignature(h.deps.WebhookSecret, body, r.Header.Get("X-Signature")) {
		logger.L.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		h.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	ev := intake.Event{
		Source:    "webhook",
		Kind:      p.Type,
		From:      p.From,
		MessageID: rawString(p.ID),
		Body:      p.Body,
		FromMe:    p.FromMe,
		IsGroup:   p.IsGroup,
		TenantID:  rawString(p.TenantID),
		Timestamp: parseTimestamp(rawString(p.Timestamp)),
	}
	if ev.Kind == "" {
		ev.Kind = intake.KindChat
	}
	if ev.TenantID == "" {
		ev.TenantID = rawString(p.ClienteID)
	}

	logger.L.Info("webhook message", "from", p.From, "type", ev.Kind, "tenant_id", ev.TenantID)
	h.JSON(w, http.StatusOK, map[string]bool{"success": true, "received": true})
	h.deps.Intake.Dispatch(ev)
}

func verifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	got := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(expected))
}

// rawString reads a JSON string or number as text.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// Health reports liveness plus a store check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	store := "pass"
	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.deps.Store.Ping(ctx); err != nil {
			store = "fail"
		}
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    map[string]string{"store": store},
	})
}

// Status reports uptime, memory and transport state. It has no side effects.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	transport := map[string]any{"connected": false}
	if h.deps.Transport != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		connected, detail := h.deps.Transport(ctx)
		for k, v := range detail {
			transport[k] = v
		}
		transport["connected"] = connected
	}

	resp := map[string]any{
		"bot":    serviceName,
		"status": "running",
		"uptime": time.Since(h.started).Seconds(),
		"memory": map[string]uint64{
			"alloc":       mem.Alloc,
			"sys":         mem.Sys,
			"heap_inuse":  mem.HeapInuse,
			"total_alloc": mem.TotalAlloc,
		},
		"goroutines": runtime.NumGoroutine(),
		"whatsapp":   transport,
	}
	if h.deps.Registered != nil {
		resp["registered"] = h.deps.Registered()
	}
	if h.deps.ReplyEnabled != nil {
		resp["reply_enabled"] = h.deps.ReplyEnabled()
	}
	h.JSON(w, http.StatusOK, resp)
}

func (h *Handler) tenant(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("tenant_id")); t != "" {
		return t
	}
	return h.deps.TenantID
}

// Conversations lists conversation summaries for a tenant.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.deps.Store.Conversations(r.Context(), h.tenant(r))
	if err != nil {
		h.storeError(w, err)
		return
	}
	if convs == nil {
		convs = []history.Conversation{}
	}
	h.JSON(w, http.StatusOK, convs)
}

// ConversationHistory returns the ordered messages of one contact.
func (h *Handler) ConversationHistory(w http.ResponseWriter, r *http.Request) {
	ident, ok := identifier.Normalize(chi.URLParam(r, "identifier"))
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid identifier")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.Error(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	msgs, err := h.deps.Store.History(r.Context(), h.tenant(r), ident, limit)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"identifier": ident, "messages": msgs})
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	logger.L.Error("store read failed", "error", err)
	if errors.Is(err, history.ErrUnavailable) {
		h.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.Error(w, http.StatusInternalServerError, "store error")
}
