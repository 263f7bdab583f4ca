package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/turn-gateway/internal/admission"
	"github.com/suPer8Hu/turn-gateway/internal/ai"
	"github.com/suPer8Hu/turn-gateway/internal/auth"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/credentials"
	"github.com/suPer8Hu/turn-gateway/internal/db"
	"github.com/suPer8Hu/turn-gateway/internal/httpapi/handlers"
	"github.com/suPer8Hu/turn-gateway/internal/metrics"
	"github.com/suPer8Hu/turn-gateway/internal/orchestrator"
	"github.com/suPer8Hu/turn-gateway/internal/ratelimit"
	"github.com/suPer8Hu/turn-gateway/internal/tools"
	"github.com/suPer8Hu/turn-gateway/internal/turn"
)

const secret = "test-secret"

type scripted struct {
	mu    sync.Mutex
	steps [][]ai.Chunk
}

func (s *scripted) Stream(context.Context, *ai.Request) (<-chan ai.Chunk, <-chan error) {
	s.mu.Lock()
	script := []ai.Chunk{{Text: "Hello!"}}
	if len(s.steps) > 0 {
		script, s.steps = s.steps[0], s.steps[1:]
	}
	s.mu.Unlock()
	chunks := make(chan ai.Chunk, len(script))
	errs := make(chan error)
	for _, c := range script {
		chunks <- c
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

type gatedTool struct{}

func (gatedTool) Name() string        { return "getWeather" }
func (gatedTool) Description() string { return "weather" }
func (gatedTool) NeedsApproval() bool { return true }
func (gatedTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)
}
func (gatedTool) Invoke(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"temperature":4}`), nil
}

type server struct {
	router *gin.Engine
	model  *scripted
	repo   *chat.Repo
}

func newServer(t *testing.T, perMinute int) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Connect("sqlite:file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	repo := chat.NewRepo(gdb)

	sealer, err := auth.NewSealer("")
	require.NoError(t, err)
	creds := credentials.NewStore(gdb, sealer)

	ents := map[admission.Tier]admission.Entitlement{}
	limiters := map[admission.Tier]ratelimit.Limiter{}
	for _, tier := range []admission.Tier{admission.TierGuest, admission.TierRegular, admission.TierBYOK} {
		ents[tier] = admission.Entitlement{MaxMessagesPerDay: 50, MaxMessagesPerMinute: perMinute}
		limiters[tier] = ratelimit.NewMemory(ratelimit.Config{MaxRequests: perMinute, Window: time.Minute}, nil)
	}

	model := &scripted{}
	models := ai.NewRegistry()
	models.Register("scripted", func(context.Context, ai.Options) (ai.Provider, error) { return model, nil })
	models.AddModel(ai.Model{ID: ai.ChatModel, Provider: "scripted"})

	reg := tools.NewRegistry()
	reg.MustRegister(gatedTool{})

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	svc := turn.NewService(turn.Deps{
		Admission:    admission.NewController(repo, creds, ents, limiters),
		Locker:       chat.NewLocalLocker(time.Second),
		Loader:       chat.NewLoader(repo, nil),
		Writer:       chat.NewWriter(repo),
		Models:       models,
		Keys:         creds,
		Tools:        reg,
		Orchestrator: orchestrator.New(tools.NewExecutor(tools.ExecConfig{}), orchestrator.Config{}, m),
		Chats:        repo,
		Metrics:      m,
	}, turn.Config{TurnTimeout: 10 * time.Second})

	h := handlers.NewHandler(handlers.Deps{
		Turns:       svc,
		Chats:       repo,
		Models:      models,
		Credentials: creds,
		JWTSecret:   secret,
	})
	return &server{router: NewRouter(h, secret, promReg), model: model, repo: repo}
}

func token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := auth.SignJWT(id, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, block := range strings.Split(body, "\n\n") {
		data, ok := strings.CutPrefix(strings.TrimSpace(block), "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		out = append(out, ev)
	}
	return out
}

func chatBody(chatID, text string) map[string]any {
	return map[string]any{
		"id": chatID,
		"message": map[string]any{
			"id":    uuid.NewString(),
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": text}},
		},
		"selectedChatModel":      ai.ChatModel,
		"selectedVisibilityType": "private",
	}
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestGuestChatStreamsEvents(t *testing.T) {
	s := newServer(t, 10)

	w := s.do(t, http.MethodPost, "/auth/guest", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var guest struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &guest))
	require.NotEmpty(t, guest.Data.Token)

	w = s.do(t, http.MethodPost, "/chat", guest.Data.Token, chatBody(uuid.NewString(), "hi"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	events := sseEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "start", events[0]["type"])
	assert.Equal(t, "finish", events[len(events)-1]["type"])
	assert.Equal(t, "stop", events[len(events)-1]["finishReason"])

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Contains(t, w.Body.String(), `turn_gateway_turns_total{finish_reason="stop",tier="guest"} 1`)
}

func TestChatRejections(t *testing.T) {
	s := newServer(t, 1)
	alice := token(t, auth.Identity{UserID: "alice", Type: auth.Regular})

	w := s.do(t, http.MethodPost, "/chat", "", chatBody(uuid.NewString(), "hi"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorBody(t, w)["kind"])

	long := chatBody(uuid.NewString(), strings.Repeat("a", 2001))
	w = s.do(t, http.MethodPost, "/chat", alice, long)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	file := chatBody(uuid.NewString(), "see")
	file["message"].(map[string]any)["parts"] = []map[string]any{
		{"type": "file", "mediaType": "application/pdf", "name": "a.pdf", "url": "https://x/a.pdf"},
	}
	w = s.do(t, http.MethodPost, "/chat", alice, file)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", errorBody(t, w)["kind"])

	w = s.do(t, http.MethodPost, "/chat", alice, chatBody(uuid.NewString(), "first"))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/chat", alice, chatBody(uuid.NewString(), "second"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body := errorBody(t, w)
	assert.Equal(t, "rate_limit", body["kind"])
	assert.Equal(t, "per_minute", body["reason"])
}

func TestApprovalRoundTripOverHTTP(t *testing.T) {
	s := newServer(t, 10)
	alice := token(t, auth.Identity{UserID: "alice", Type: auth.Regular})
	chatID := uuid.NewString()
	s.model.steps = [][]ai.Chunk{
		{{ToolCall: &ai.ToolCall{ID: "w1", Name: "getWeather", Arguments: json.RawMessage(`{"city":"Oslo"}`)}}},
		{{Text: "It is 4 degrees."}},
	}

	w := s.do(t, http.MethodPost, "/chat", alice, chatBody(chatID, "weather?"))
	require.Equal(t, http.StatusOK, w.Code)
	events := sseEvents(t, w.Body.String())
	last := events[len(events)-1]
	require.Equal(t, "approval-requested", last["finishReason"])

	var approvalID, messageID string
	for _, e := range events {
		if e["state"] == "approval-requested" {
			approvalID = e["approval"].(map[string]any)["id"].(string)
		}
		if e["type"] == "start" {
			messageID = e["messageId"].(string)
		}
	}
	require.NotEmpty(t, approvalID)

	resume := map[string]any{
		"id": chatID,
		"messages": []map[string]any{{
			"id":   messageID,
			"role": "assistant",
			"parts": []map[string]any{{
				"type":       "tool-getWeather",
				"toolCallId": "w1",
				"state":      "approval-responded",
				"approval":   map[string]any{"id": approvalID, "approved": true},
			}},
		}},
		"selectedChatModel": ai.ChatModel,
	}
	w = s.do(t, http.MethodPost, "/chat", alice, resume)
	require.Equal(t, http.StatusOK, w.Code)
	events = sseEvents(t, w.Body.String())
	assert.Equal(t, "stop", events[len(events)-1]["finishReason"])
	assert.Equal(t, messageID, events[0]["messageId"])

	msgs, err := s.repo.ListMessages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.StateOutputAvailable, msgs[1].ToolPart("w1").State)
}

func TestDeleteChatAndResume(t *testing.T) {
	s := newServer(t, 10)
	alice := token(t, auth.Identity{UserID: "alice", Type: auth.Regular})
	bob := token(t, auth.Identity{UserID: "bob", Type: auth.Regular})
	chatID := uuid.NewString()

	w := s.do(t, http.MethodPost, "/chat", alice, chatBody(chatID, "hi"))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/chat/"+chatID+"/stream", alice, nil)
	assert.Equal(t, http.StatusNoContent, w.Code, "no resumable streams without redis")

	w = s.do(t, http.MethodDelete, "/chat?id="+chatID, bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodDelete, "/chat?id="+chatID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, err := s.repo.GetChat(context.Background(), chatID)
	assert.Error(t, err)
}

func TestCredentials(t *testing.T) {
	s := newServer(t, 10)
	guest := token(t, auth.Identity{UserID: "guest-1", Type: auth.Guest})
	alice := token(t, auth.Identity{UserID: "alice", Type: auth.Regular})
	key := map[string]any{"apiKey": "sk-or-v1-0123456789"}

	w := s.do(t, http.MethodPut, "/credentials", guest, key)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPut, "/credentials", alice, map[string]any{"apiKey": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/credentials", alice, key)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/me", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"byok":true`)

	w = s.do(t, http.MethodDelete, "/credentials", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/me", alice, nil)
	assert.Contains(t, w.Body.String(), `"byok":false`)
}

func TestRouting(t *testing.T) {
	s := newServer(t, 10)

	w := s.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	unknown := chatBody(uuid.NewString(), "hi")
	unknown["selectedChatModel"] = "nope"
	w = s.do(t, http.MethodPost, "/chat", token(t, auth.Identity{UserID: "u"}), unknown)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/models", token(t, auth.Identity{UserID: "u"}), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ai.ChatModel)
}
