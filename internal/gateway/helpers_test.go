package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/approval"
	"github.com/haasonsaas/klaus/internal/backoff"
	"github.com/haasonsaas/klaus/internal/config"
	"github.com/haasonsaas/klaus/internal/events"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/store"
)

const testSecret = "test-secret"

// echoProvider answers every completion with a fixed text turn.
type echoProvider struct {
	text string
}

func (p *echoProvider) Name() string          { return "echo" }
func (p *echoProvider) Models() []agent.Model { return nil }

func (p *echoProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.text}
	ch <- &agent.CompletionChunk{Done: true, StopReason: "end_turn", InputTokens: 10, OutputTokens: 5}
	close(ch)
	return ch, nil
}

type testEnv struct {
	server *Server
	store  *store.Store
	cfg    *config.Config
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.APIKey = "sk-test"
	cfg.APISecret = testSecret
	cfg.WorkspaceDir = t.TempDir()
	cfg.CORSOrigin = "http://app.example"

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: &bytes.Buffer{}})
	bus := events.NewBus(logger, nil)
	broker := approval.NewBroker(time.Second, logger, nil)

	registry := agent.NewRegistry()
	dispatcher := agent.NewDispatcher(registry, st, logger, nil, nil)
	loop := agent.NewLoop(agent.Config{
		Model:                 cfg.Model,
		SummaryModel:          cfg.SummaryModel,
		MaxContextMessages:    cfg.MaxContextMessages,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		MaxPromptChars:        cfg.MaxPromptChars,
		RetryPolicy:           backoff.Policy{InitialMs: 1, MaxMs: 5, Factor: 2},
	}, st, &echoProvider{text: "done"}, registry, dispatcher, bus, logger, nil, cfg.WorkspaceDir)

	server := NewServer(cfg, st, loop, bus, broker, logger, nil, nil)
	return &testEnv{server: server, store: st, cfg: cfg}
}

// do runs one request through the full middleware chain with the API
// secret attached.
func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	return e.do(t, http.MethodGet, path, nil)
}
