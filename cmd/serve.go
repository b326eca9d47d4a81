package cmd

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/credit"
	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/stream"
	"github.com/parley-chat/parley/internal/thread"
	"github.com/parley-chat/parley/internal/tokens"
	"github.com/parley-chat/parley/internal/tools"
)

var (
	serveHost        string
	servePort        int
	serveToken       string
	serveAllowNoAuth bool
	serveCORSOrigins []string
	serveDB          string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat API server",
	Long: `Run the parley HTTP server.

Endpoints:
  POST   /v1/chats/{chatId}/turns     submit a turn, streams SSE chunks
  GET    /v1/chats/{chatId}/stream    resume an in-flight or recent turn
  GET    /v1/chats                    list chats
  GET    /v1/chats/{chatId}           chat with its messages
  DELETE /v1/chats/{chatId}
  GET    /v1/documents/{documentId}
  GET    /v1/models
  GET    /v1/credits
  GET    /healthz`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for API auth (auto-generated if omitted)")
	serveCmd.Flags().BoolVar(&serveAllowNoAuth, "allow-no-auth", false, "Disable auth (only allowed on loopback host)")
	serveCmd.Flags().StringArrayVar(&serveCORSOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable, or '*' for all)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Serve.Host = serveHost
	}
	if servePort != 0 {
		cfg.Serve.Port = servePort
	}
	if serveToken != "" {
		cfg.Serve.Token = serveToken
	}
	if len(serveCORSOrigins) > 0 {
		cfg.Serve.CORSOrigins = serveCORSOrigins
	}
	if serveDB != "" {
		cfg.Database = serveDB
	}
	if cfg.Serve.Port <= 0 || cfg.Serve.Port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1-65535)", cfg.Serve.Port)
	}

	requireAuth := !serveAllowNoAuth
	if !requireAuth && !isLoopbackHost(cfg.Serve.Host) {
		return fmt.Errorf("--allow-no-auth is only allowed on loopback hosts (got %q)", cfg.Serve.Host)
	}
	token := strings.TrimSpace(cfg.Serve.Token)
	if requireAuth && token == "" {
		token, err = generateServeToken()
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
	}

	logger := newLogger(cfg.Log.Level)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	catalog, err := tools.LoadCatalog(cfg.Tools.Catalog)
	if err != nil {
		return fmt.Errorf("load tool catalog: %w", err)
	}

	var search tools.SearchBackend
	if cfg.Search.SearxURL != "" {
		search = tools.NewSearXNGBackend(cfg.Search.SearxURL, logger)
	}

	orch := &chat.Orchestrator{
		Store:     st,
		Ledger:    credit.NewLedger(st, cfg.Credits.InitialGrant),
		Estimator: tokens.NewEstimator(),
		Resolver:  thread.NewResolver(st),
		Providers: llm.NewProviderSet(llm.ProviderConfig{
			AnthropicAPIKey: cfg.Anthropic.APIKey,
			OpenAIAPIKey:    cfg.OpenAI.APIKey,
			OpenAIBaseURL:   cfg.OpenAI.BaseURL,
			GeminiAPIKey:    cfg.Gemini.APIKey,
		}),
		Catalog:      catalog,
		Search:       search,
		Logger:       logger,
		UtilityModel: cfg.Chat.UtilityModel,
		Anon:         credit.NewCounter(cfg.Credits.AnonymousGrant),
	}

	streams := stream.NewRegistry(stream.DefaultRetention)
	defer streams.Close()

	var guard *credit.AnonymousGuard
	if cfg.Anonymous.Enabled {
		rpm := cfg.Anonymous.RequestsPerMinute
		if rpm <= 0 {
			rpm = 1
		}
		guard = credit.NewAnonymousGuard(rate.Limit(float64(rpm)/60.0), rpm)
	}

	s := &apiServer{
		cfg: apiServerConfig{
			addr:        cfg.Serve.Addr(),
			requireAuth: requireAuth,
			token:       token,
			corsOrigins: append([]string(nil), cfg.Serve.CORSOrigins...),
			anonymous:   cfg.Anonymous.Enabled,
		},
		orch:    orch,
		store:   st,
		streams: streams,
		resumer: &stream.Resumer{Registry: streams, Store: st},
		guard:   guard,
		logger:  logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "parley listening on http://%s\n", s.cfg.addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "auth: %s\n", authSummary(requireAuth))
	if requireAuth {
		fmt.Fprintf(cmd.ErrOrStderr(), "token: %s\n", token)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func authSummary(required bool) string {
	if required {
		return "bearer required"
	}
	return "disabled"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func generateServeToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type apiServerConfig struct {
	addr        string
	requireAuth bool
	token       string
	corsOrigins []string
	anonymous   bool
}

type apiServer struct {
	cfg     apiServerConfig
	orch    *chat.Orchestrator
	store   store.Store
	streams *stream.Registry
	resumer *stream.Resumer
	guard   *credit.AnonymousGuard
	logger  *slog.Logger
	server  *http.Server
}

func (s *apiServer) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.addr,
		Handler: s.handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (s *apiServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *apiServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/models", s.cors(s.authed(s.handleModels)))
	mux.HandleFunc("GET /v1/credits", s.cors(s.authed(s.handleCredits)))
	mux.HandleFunc("GET /v1/chats", s.cors(s.authed(s.handleListChats)))
	mux.HandleFunc("GET /v1/chats/{chatID}", s.cors(s.authed(s.handleGetChat)))
	mux.HandleFunc("DELETE /v1/chats/{chatID}", s.cors(s.authed(s.handleDeleteChat)))
	mux.HandleFunc("POST /v1/chats/{chatID}/turns", s.cors(s.handleTurn))
	mux.HandleFunc("GET /v1/chats/{chatID}/stream", s.cors(s.handleResume))
	mux.HandleFunc("GET /v1/documents/{documentID}", s.cors(s.authed(s.handleGetDocument)))

	return mux
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": Version})
}

// identity is who a request acts as. Anonymous clients get a synthetic
// user keyed by their network address.
type identity struct {
	userID    string
	anonymous bool
}

func (s *apiServer) identify(r *http.Request) (identity, error) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")

	if !s.cfg.requireAuth {
		return identity{userID: userIDFrom(r)}, nil
	}
	if strings.HasPrefix(auth, prefix) {
		got := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.token)) != 1 {
			return identity{}, chat.E(chat.CodeUnauthorized, "invalid authentication credentials")
		}
		return identity{userID: userIDFrom(r)}, nil
	}
	if s.cfg.anonymous {
		return identity{userID: "anon:" + clientKey(r), anonymous: true}, nil
	}
	return identity{}, chat.E(chat.CodeUnauthorized, "authorization required")
}

func userIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return id
	}
	return "default"
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authed rejects anonymous identities. Only the turn and resume
// endpoints admit them.
func (s *apiServer) authed(next func(http.ResponseWriter, *http.Request, identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if id.anonymous {
			writeError(w, chat.E(chat.CodeUnauthorized, "authorization required"))
			return
		}
		next(w, r, id)
	}
}

func (s *apiServer) cors(next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.corsOrigins))
	allowAll := false
	for _, origin := range s.cfg.corsOrigins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-User-Id")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

type turnRequest struct {
	Model           string           `json:"model,omitempty"`
	ParentMessageID string           `json:"parentMessageId,omitempty"`
	MessageID       string           `json:"messageId,omitempty"`
	Text            string           `json:"text"`
	Files           []fileAttachment `json:"files,omitempty"`
	// Tools null means default selection; an empty array disables
	// tools for this turn.
	Tools      *[]string `json:"tools,omitempty"`
	Visibility string    `json:"visibility,omitempty"`
	// History carries the prior thread inline for anonymous turns.
	History []historyMessage `json:"history,omitempty"`
}

type fileAttachment struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
}

type historyMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (s *apiServer) handleTurn(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if id.anonymous && s.guard != nil && !s.guard.Allow(id.userID) {
		writeError(w, chat.E(chat.CodeRateLimited, "too many requests, slow down"))
		return
	}

	var body turnRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, chat.Wrap(chat.CodeBadRequest, err, "invalid request body"))
		return
	}

	req := chat.TurnRequest{
		ChatID:          r.PathValue("chatID"),
		UserID:          id.userID,
		Anonymous:       id.anonymous,
		Model:           body.Model,
		ParentMessageID: body.ParentMessageID,
		MessageID:       body.MessageID,
		Text:            body.Text,
		Visibility:      parseVisibility(body.Visibility),
	}
	for _, f := range body.Files {
		req.Files = append(req.Files, llm.Part{
			Type:          llm.PartFile,
			FileURL:       f.URL,
			FileMediaType: f.MediaType,
			FileName:      f.Name,
		})
	}
	if body.Tools != nil {
		req.Tools = *body.Tools
		if req.Tools == nil {
			req.Tools = []string{}
		}
	}
	if id.anonymous {
		for _, msg := range body.History {
			role := llm.Role(msg.Role)
			if role != llm.RoleUser && role != llm.RoleAssistant {
				continue
			}
			req.History = append(req.History, llm.Message{
				Role:  role,
				Parts: []llm.Part{{Type: llm.PartText, Text: msg.Text}},
			})
		}
	}

	live := s.streams.Start(req.ChatID)
	go func() {
		// Generation outlives the HTTP request so a disconnected
		// client can resume.
		if _, err := s.orch.Run(context.Background(), req, live.Publish); err != nil {
			s.logger.Warn("turn failed", "chat", req.ChatID, "error", err)
		}
		live.Finish()
	}()

	s.streamSSE(w, r, live.Subscribe(r.Context()))
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identify(r); err != nil {
		writeError(w, err)
		return
	}
	s.streamSSE(w, r, s.resumer.Resume(r.Context(), r.PathValue("chatID")))
}

func (s *apiServer) streamSSE(w http.ResponseWriter, r *http.Request, chunks <-chan stream.Chunk) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, chat.E(chat.CodeProviderError, "streaming not supported"))
		return
	}
	setSSEHeaders(w)
	flusher.Flush()

	for chunk := range chunks {
		if err := writeSSEChunk(w, chunk); err != nil {
			return
		}
		flusher.Flush()
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *apiServer) handleModels(w http.ResponseWriter, r *http.Request, _ identity) {
	items := make([]map[string]any, 0, len(llm.Models))
	for _, m := range llm.Models {
		items = append(items, map[string]any{
			"id":              m.ID,
			"displayName":     m.DisplayName,
			"provider":        m.Provider,
			"contextWindow":   m.ContextWindow,
			"maxOutput":       m.MaxOutput,
			"reasoning":       m.Reasoning,
			"inputModalities": m.InputModalities,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i]["id"].(string) < items[j]["id"].(string)
	})
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": items})
}

func (s *apiServer) handleCredits(w http.ResponseWriter, r *http.Request, id identity) {
	available, err := s.orch.Ledger.Available(r.Context(), id.userID)
	if err != nil {
		writeError(w, chat.Wrap(chat.CodeProviderError, err, "credit lookup"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": available})
}

func (s *apiServer) handleListChats(w http.ResponseWriter, r *http.Request, id identity) {
	chats, err := s.store.ListChats(r.Context(), id.userID, 100)
	if err != nil {
		writeError(w, chat.Wrap(chat.CodeProviderError, err, "list chats"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": chats})
}

func (s *apiServer) handleGetChat(w http.ResponseWriter, r *http.Request, id identity) {
	c, err := s.loadChat(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), c.ID)
	if err != nil {
		writeError(w, chat.Wrap(chat.CodeProviderError, err, "list messages"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": c, "messages": messages})
}

func (s *apiServer) handleDeleteChat(w http.ResponseWriter, r *http.Request, id identity) {
	c, err := s.loadChat(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.UserID != id.userID {
		writeError(w, chat.E(chat.CodeForbidden, "chat belongs to another user"))
		return
	}
	if err := s.store.DeleteChat(r.Context(), c.ID); err != nil {
		writeError(w, chat.Wrap(chat.CodeProviderError, err, "delete chat"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": c.ID})
}

// loadChat fetches the chat and enforces read access. Public chats are
// readable by anyone.
func (s *apiServer) loadChat(r *http.Request, id identity) (store.Chat, error) {
	c, err := s.store.GetChat(r.Context(), r.PathValue("chatID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Chat{}, chat.E(chat.CodeNotFound, "chat not found")
		}
		return store.Chat{}, chat.Wrap(chat.CodeProviderError, err, "load chat")
	}
	if c.UserID != id.userID && c.Visibility != store.VisibilityPublic {
		return store.Chat{}, chat.E(chat.CodeNotFound, "chat not found")
	}
	return c, nil
}

func (s *apiServer) handleGetDocument(w http.ResponseWriter, r *http.Request, id identity) {
	ctx := r.Context()
	doc, err := s.store.GetDocument(ctx, r.PathValue("documentID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, chat.E(chat.CodeNotFound, "document not found"))
			return
		}
		writeError(w, chat.Wrap(chat.CodeProviderError, err, "load document"))
		return
	}
	latest, err := s.store.LatestDocumentVersion(ctx, doc.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, chat.Wrap(chat.CodeProviderError, err, "load document version"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc, "latest": latest})
}

func parseVisibility(s string) store.Visibility {
	if store.Visibility(s) == store.VisibilityPublic {
		return store.VisibilityPublic
	}
	return store.VisibilityPrivate
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSEChunk(w io.Writer, chunk stream.Chunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, chat.HTTPStatus(chat.CodeOf(err)), map[string]any{
		"error": map[string]any{
			"code":    string(chat.CodeOf(err)),
			"message": chat.UserMessage(err),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}
