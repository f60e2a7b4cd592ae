package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/wa-responder/internal/history"
	"github.com/comigor/wa-responder/internal/intake"
)

type mockDispatcher struct {
	mu     sync.Mutex
	events []intake.Event
}

func (m *mockDispatcher) Dispatch(ev intake.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

type mockReader struct {
	HistoryFunc       func(ctx context.Context, tenantID, ident string, limit int) ([]history.Message, error)
	ConversationsFunc func(ctx context.Context, tenantID string) ([]history.Conversation, error)
	pingErr           error
}

func (m *mockReader) History(ctx context.Context, tenantID, ident string, limit int) ([]history.Message, error) {
	return m.HistoryFunc(ctx, tenantID, ident, limit)
}

func (m *mockReader) Conversations(ctx context.Context, tenantID string) ([]history.Conversation, error) {
	return m.ConversationsFunc(ctx, tenantID)
}

func (m *mockReader) Ping(ctx context.Context) error { return m.pingErr }

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMessageReceived(t *testing.T) {
	d := &mockDispatcher{}
	r := NewRouter(Deps{Intake: d, TenantID: "51"})

	rec := do(t, r, http.MethodPost, "/api/message-received",
		`{"from":"5491112345678@c.us","body":"Hola","timestamp":1760000000,"type":"chat","id":"ABC","cliente_id":77}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"received":true}`, rec.Body.String())

	require.Len(t, d.events, 1)
	ev := d.events[0]
	require.Equal(t, "webhook", ev.Source)
	require.Equal(t, intake.KindChat, ev.Kind)
	require.Equal(t, "5491112345678@c.us", ev.From)
	require.Equal(t, "ABC", ev.MessageID)
	require.Equal(t, "Hola", ev.Body)
	require.Equal(t, "77", ev.TenantID)
	require.Equal(t, int64(1760000000), ev.Timestamp.Unix())
}

func TestMessageReceived_TenantIDWins(t *testing.T) {
	d := &mockDispatcher{}
	r := NewRouter(Deps{Intake: d})

	rec := do(t, r, http.MethodPost, "/api/message-received",
		`{"from":"1@c.us","body":"x","type":"chat","tenant_id":"a","cliente_id":"b"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a", d.events[0].TenantID)
}

func TestMessageReceived_MalformedJSON(t *testing.T) {
	d := &mockDispatcher{}
	r := NewRouter(Deps{Intake: d})

	rec := do(t, r, http.MethodPost, "/api/message-received", `{"from":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, d.events)
}

func TestMessageReceived_Signature(t *testing.T) {
	d := &mockDispatcher{}
	r := NewRouter(Deps{Intake: d, WebhookSecret: "s3cret"})
	body := `{"from":"1@c.us","body":"hola","type":"chat"}`

	rec := do(t, r, http.MethodPost, "/api/message-received", body, map[string]string{"X-Signature": "sha256=deadbeef"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, d.events)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	rec = do(t, r, http.MethodPost, "/api/message-received", body, map[string]string{"X-Signature": sig})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, d.events, 1)
}

func TestStatus(t *testing.T) {
	r := NewRouter(Deps{
		Intake: &mockDispatcher{},
		Transport: func(ctx context.Context) (bool, map[string]any) {
			return true, map[string]any{"mode": "delivery"}
		},
		Registered:   func() bool { return true },
		ReplyEnabled: func() bool { return false },
	})

	rec := do(t, r, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "running", got["status"])
	require.Equal(t, true, got["registered"])
	require.Equal(t, false, got["reply_enabled"])
	require.Contains(t, got, "uptime")
	require.Contains(t, got, "memory")
	wa := got["whatsapp"].(map[string]any)
	require.Equal(t, true, wa["connected"])
	require.Equal(t, "delivery", wa["mode"])
}

func TestHealth(t *testing.T) {
	r := NewRouter(Deps{Intake: &mockDispatcher{}, Store: &mockReader{}})
	rec := do(t, r, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "online", got["status"])
	require.Equal(t, serviceName, got["service"])
}

func TestConversationHistory(t *testing.T) {
	var gotTenant, gotIdent string
	var gotLimit int
	store := &mockReader{
		HistoryFunc: func(ctx context.Context, tenantID, ident string, limit int) ([]history.Message, error) {
			gotTenant, gotIdent, gotLimit = tenantID, ident, limit
			return []history.Message{{ID: 1, Identifier: ident, Role: history.RoleUser, Body: "hola", CreatedAt: time.Now()}}, nil
		},
	}
	r := NewRouter(Deps{Intake: &mockDispatcher{}, Store: store, TenantID: "51"})

	rec := do(t, r, http.MethodGet, "/api/conversations/5491112345678?limit=6", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "51", gotTenant)
	require.Equal(t, "5491112345678@c.us", gotIdent)
	require.Equal(t, 6, gotLimit)
	require.Contains(t, rec.Body.String(), `"hola"`)
}

func TestConversationHistory_BadInput(t *testing.T) {
	r := NewRouter(Deps{Intake: &mockDispatcher{}, Store: &mockReader{}})

	rec := do(t, r, http.MethodGet, "/api/conversations/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/conversations/5491112345678?limit=x", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversations_StoreUnavailable(t *testing.T) {
	store := &mockReader{
		ConversationsFunc: func(ctx context.Context, tenantID string) ([]history.Conversation, error) {
			return nil, &history.StoreError{Kind: history.KindUnavailable, Op: "conversations"}
		},
	}
	r := NewRouter(Deps{Intake: &mockDispatcher{}, Store: store})

	rec := do(t, r, http.MethodGet, "/api/conversations?tenant_id=9", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConversations(t *testing.T) {
	var gotTenant string
	store := &mockReader{
		ConversationsFunc: func(ctx context.Context, tenantID string) ([]history.Conversation, error) {
			gotTenant = tenantID
			return nil, nil
		},
	}
	r := NewRouter(Deps{Intake: &mockDispatcher{}, Store: store, TenantID: "51"})

	rec := do(t, r, http.MethodGet, "/api/conversations?tenant_id=9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "9", gotTenant)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewRouter(Deps{Intake: &mockDispatcher{}})
	do(t, r, http.MethodGet, "/health", "", nil)

	rec := do(t, r, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "responder_http_requests_total")
}

func TestParseTimestamp(t *testing.T) {
	require.Equal(t, int64(1760000000), parseTimestamp("1760000000").Unix())
	require.Equal(t, int64(1760000000), parseTimestamp("1760000000000").Unix())
	require.Equal(t, 2026, parseTimestamp("2026-03-01T10:00:00Z").Year())
	require.False(t, parseTimestamp("").IsZero())
}
