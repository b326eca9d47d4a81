package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/credit"
	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/stream"
	"github.com/parley-chat/parley/internal/thread"
	"github.com/parley-chat/parley/internal/tokens"
	"github.com/parley-chat/parley/internal/tools"
	"golang.org/x/time/rate"
)

const testToken = "test-token"

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Stream(ctx context.Context, req llm.Request) llm.Stream {
	sys := ""
	if len(req.Messages) > 0 {
		sys = req.Messages[0].Text()
	}
	switch {
	case strings.HasPrefix(sys, "Generate a short title"):
		return llm.NewSliceStream(
			llm.Event{Type: llm.EventTextDelta, Text: "Test Chat"},
			llm.Event{Type: llm.EventDone},
		)
	case strings.HasPrefix(sys, "Suggest up to 3"):
		return llm.NewSliceStream(
			llm.Event{Type: llm.EventTextDelta, Text: `["Tell me more"]`},
			llm.Event{Type: llm.EventDone},
		)
	default:
		return llm.NewSliceStream(
			llm.Event{Type: llm.EventTextDelta, Text: "Hello "},
			llm.Event{Type: llm.EventTextDelta, Text: "there"},
			llm.Event{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
			llm.Event{Type: llm.EventDone},
		)
	}
}

type stubSource struct{}

func (stubSource) ForModel(modelID string) (llm.Provider, llm.ModelSpec, error) {
	return stubProvider{}, llm.ModelSpec{
		ID:              "stub-model",
		Provider:        "stub",
		ContextWindow:   40000,
		MaxOutput:       1000,
		InputModalities: []string{"text"},
		InputPrice:      1000,
		OutputPrice:     1000,
	}, nil
}

func newTestAPIServer(t *testing.T) *httptest.Server {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	streams := stream.NewRegistry(time.Second)
	t.Cleanup(streams.Close)

	s := &apiServer{
		cfg: apiServerConfig{
			requireAuth: true,
			token:       testToken,
			anonymous:   true,
		},
		orch: &chat.Orchestrator{
			Store:     st,
			Ledger:    credit.NewLedger(st, 1000),
			Anon:      credit.NewCounter(100),
			Estimator: tokens.NewEstimator(),
			Resolver:  thread.NewResolver(st),
			Providers: stubSource{},
			Catalog:   tools.DefaultCatalog(),
			Logger:    logger,
		},
		store:   st,
		streams: streams,
		resumer: &stream.Resumer{Registry: streams, Store: st},
		guard:   credit.NewAnonymousGuard(rate.Limit(1.0/60.0), 1),
		logger:  logger,
	}

	ts := httptest.NewServer(s.handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func readChunks(t *testing.T, resp *http.Response) []stream.Chunk {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var chunks []stream.Chunk
	for _, line := range strings.Split(string(raw), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var c stream.Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := newTestAPIServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	ts := newTestAPIServer(t)

	for _, token := range []string{"", "wrong"} {
		resp := doRequest(t, http.MethodGet, ts.URL+"/v1/models", token, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/models", testToken, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(body.Data) == 0 {
		t.Fatal("expected catalog models")
	}
}

func TestTurnStreamsAndPersists(t *testing.T) {
	ts := newTestAPIServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/chats/chat-1/turns", testToken, `{"text":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	chunks := readChunks(t, resp)

	var text strings.Builder
	sawFinish := false
	for _, c := range chunks {
		switch c.Type {
		case "text-delta":
			text.WriteString(c.Delta)
		case "finish":
			sawFinish = true
		case "error":
			t.Fatalf("unexpected error chunk: %s", c.Message)
		}
	}
	if text.String() != "Hello there" {
		t.Fatalf("text = %q, want %q", text.String(), "Hello there")
	}
	if !sawFinish {
		t.Fatal("missing finish chunk")
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/chats/chat-1", testToken, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get chat status = %d, want 200", resp.StatusCode)
	}
	var chatBody struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chatBody); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if len(chatBody.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(chatBody.Messages))
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/credits", testToken, "")
	defer resp.Body.Close()
	var credits struct {
		Available int64 `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&credits); err != nil {
		t.Fatalf("decode credits: %v", err)
	}
	if credits.Available >= 1000 {
		t.Fatalf("available = %d, want < 1000 after a charged turn", credits.Available)
	}
}

func TestAnonymousTurnIsRateLimited(t *testing.T) {
	ts := newTestAPIServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/chats/anon-1/turns", "", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first anonymous turn status = %d, want 200", resp.StatusCode)
	}
	readChunks(t, resp)

	resp = doRequest(t, http.MethodPost, ts.URL+"/v1/chats/anon-1/turns", "", `{"text":"again"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second anonymous turn status = %d, want 429", resp.StatusCode)
	}
}

func TestAnonymousTurnPersistsNothing(t *testing.T) {
	ts := newTestAPIServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/chats/anon-2/turns", "",
		`{"text":"hi","history":[{"role":"user","text":"before"},{"role":"assistant","text":"sure"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	readChunks(t, resp)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/chats/anon-2", testToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("anonymous chat lookup status = %d, want 404", resp.StatusCode)
	}
}

func TestResumeWithNothingToResume(t *testing.T) {
	ts := newTestAPIServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/chats/nope/stream", testToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if chunks := readChunks(t, resp); len(chunks) != 0 {
		t.Fatalf("chunks = %d, want empty stream", len(chunks))
	}
}

func TestDeleteChatOwnership(t *testing.T) {
	ts := newTestAPIServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/chats/chat-del/turns", testToken, `{"text":"hi"}`)
	readChunks(t, resp)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/chats/chat-del", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-Id", "someone-else")
	other, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	other.Body.Close()
	if other.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d, want 404", other.StatusCode)
	}

	resp = doRequest(t, http.MethodDelete, ts.URL+"/v1/chats/chat-del", testToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete status = %d, want 200", resp.StatusCode)
	}
}

func TestDecodeJSONBodyRejectsTrailingData(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}{"b":2}`))
	var dst map[string]any
	if err := decodeJSONBody(r, &dst); err == nil {
		t.Fatal("expected error for trailing JSON")
	}
}
