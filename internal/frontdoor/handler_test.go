package frontdoor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/chat-gateway/internal/dispatch"
	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/gateway"
	"github.com/tjfontaine/chat-gateway/internal/provider"
	"github.com/tjfontaine/chat-gateway/internal/ratelimit"
	"github.com/tjfontaine/chat-gateway/internal/server"
	"github.com/tjfontaine/chat-gateway/internal/storage"
	"github.com/tjfontaine/chat-gateway/internal/storage/memory"
	"github.com/tjfontaine/chat-gateway/internal/storage/sqlite"
)

const testKey = "rapid-secret"

type testEnv struct {
	srv       *httptest.Server
	upstream  *atomic.Int32
	keyLoads  *atomic.Int32
	staticDir string
}

type envOptions struct {
	dispatch       dispatch.Config
	requestTimeout time.Duration
	logOut         io.Writer
	handlerOpts    []HandlerOption
}

func newTestEnv(t *testing.T, upstream http.HandlerFunc, key string) *testEnv {
	t.Helper()
	return newTestEnvWith(t, upstream, key, envOptions{dispatch: dispatch.Config{Timeout: 5 * time.Second}})
}

func newTestEnvWith(t *testing.T, upstream http.HandlerFunc, key string, opts envOptions) *testEnv {
	t.Helper()

	env := &testEnv{upstream: &atomic.Int32{}, keyLoads: &atomic.Int32{}}
	provSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.upstream.Add(1)
		upstream(w, r)
	}))
	t.Cleanup(provSrv.Close)

	overrides := map[domain.ProviderID]string{}
	creds := map[domain.ProviderID]string{}
	for _, id := range domain.Providers {
		overrides[id] = provSrv.URL
		creds[id] = testKey
	}

	if opts.logOut == nil {
		opts.logOut = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(opts.logOut, nil))
	opts.dispatch.Credentials = creds
	gw := gateway.New(gateway.Deps{
		Resolver:      provider.NewResolver(overrides),
		Conversations: memory.NewConversationStore(10, 100, time.Hour),
		Cache:         memory.NewResponseCache(64, time.Minute),
		Limiter:       ratelimit.New(5, time.Minute, 100),
		Dispatcher:    dispatch.New(opts.dispatch, logger),
		Logger:        logger,
	})

	keys := NewKeySource(time.Minute, func(context.Context) (string, error) {
		env.keyLoads.Add(1)
		return key, nil
	})

	env.staticDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(env.staticDir, "index.html"), []byte("<h1>chat</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := server.New(server.Options{Port: 0, RequestTimeout: opts.requestTimeout}, logger)
	Mount(s.Router, NewHandler(gw, keys, true, opts.handlerOpts...), env.staticDir)
	env.srv = httptest.NewServer(s.Router)
	t.Cleanup(env.srv.Close)
	return env
}

func okProvider(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"result":"Hello! How can I **help** you today?"}`))
}

func (e *testEnv) post(t *testing.T, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSendText_Success(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)

	resp := env.post(t, "/api/send_text", `{"message":"Hello","model":"gpt4","settings":{}}`,
		map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body := decode(t, resp)
	if body["message"] != "Hello! How can I <strong>help</strong> you today?" {
		t.Errorf("message = %v", body["message"])
	}
	if body["conversation_id"] != "ip:203.0.113.5" {
		t.Errorf("conversation_id = %v", body["conversation_id"])
	}
	if got := resp.Header.Get("x-ratelimit-limit-requests"); got != "5" {
		t.Errorf("x-ratelimit-limit-requests = %q", got)
	}
	if got := resp.Header.Get("x-ratelimit-remaining-requests"); got != "4" {
		t.Errorf("x-ratelimit-remaining-requests = %q", got)
	}
	if resp.Header.Get("x-ratelimit-reset-requests") == "" {
		t.Error("missing x-ratelimit-reset-requests")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestSendText_RateLimited(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)
	headers := map[string]string{"X-Forwarded-For": "203.0.113.6"}

	for i := 1; i <= 5; i++ {
		resp := env.post(t, "/api/send_text", `{"message":"hi","model":"gpt4","settings":{}}`, headers)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, resp.StatusCode)
		}
	}

	resp := env.post(t, "/api/send_text", `{"message":"hi","model":"gpt4","settings":{}}`, headers)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("6th status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if got := resp.Header.Get("x-ratelimit-remaining-requests"); got != "0" {
		t.Errorf("x-ratelimit-remaining-requests = %q, want 0", got)
	}
	msg, _ := decode(t, resp)["error"].(string)
	if !strings.Contains(msg, "rate limit exceeded") {
		t.Errorf("error = %q", msg)
	}
}

func TestSendText_UnknownModel(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)

	resp := env.post(t, "/api/send_text", `{"message":"Hello","model":"unknown_provider","settings":{}}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	errBody, ok := decode(t, resp)["error"].(map[string]any)
	if !ok {
		t.Fatal("error body is not field-keyed")
	}
	if _, ok := errBody["model"]; !ok {
		t.Errorf("error body = %v, want model key", errBody)
	}
	if env.upstream.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", env.upstream.Load())
	}
}

func TestSendText_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)

	resp := env.post(t, "/api/send_text", `{"message":`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendText_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"You are not subscribed to this API."}`))
	}, testKey)

	resp := env.post(t, "/api/send_text", `{"message":"hi","model":"claude3","settings":{}}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "failed to communicate with the provider") {
		t.Errorf("body = %s", raw)
	}
	if strings.Contains(string(raw), testKey) {
		t.Errorf("body leaks credential: %s", raw)
	}
}

func TestResetConversation(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)
	headers := map[string]string{"X-Forwarded-For": "203.0.113.7"}

	env.post(t, "/api/send_text", `{"message":"one","model":"gpt4","settings":{}}`, headers)
	env.post(t, "/api/send_text", `{"message":"two","model":"gpt4","settings":{}}`, headers)

	resp := env.post(t, "/reset_conversation", "", headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if msg := decode(t, resp)["message"]; msg != "Conversation reset (4 messages cleared)" {
		t.Errorf("message = %v", msg)
	}

	resp = env.post(t, "/reset_conversation", "", headers)
	if msg := decode(t, resp)["message"]; msg != "Conversation reset (0 messages cleared)" {
		t.Errorf("second reset message = %v", msg)
	}
}

func TestResetConversation_ExplicitID(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)

	env.post(t, "/api/send_text", `{"message":"one","model":"gpt4","settings":{},"conversation_id":"abc"}`, nil)

	resp := env.post(t, "/reset_conversation", `{"conversation_id":"abc"}`, nil)
	if msg := decode(t, resp)["message"]; msg != "Conversation reset (2 messages cleared)" {
		t.Errorf("message = %v", msg)
	}
}

func TestRapidAPIKey(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)

	for i := 0; i < 3; i++ {
		resp := env.get(t, "/api/get_rapidapi_key")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if key := decode(t, resp)["key"]; key != testKey {
			t.Errorf("key = %v", key)
		}
	}
	if got := env.keyLoads.Load(); got != 1 {
		t.Errorf("key loads = %d, want 1 (cached)", got)
	}
}

func TestRapidAPIKey_NotConfigured(t *testing.T) {
	env := newTestEnv(t, okProvider, "")

	resp := env.get(t, "/api/get_rapidapi_key")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHealthAndStatic(t *testing.T) {
	env := newTestEnv(t, okProvider, testKey)

	resp := env.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || decode(t, resp)["status"] != "ok" {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("x-ratelimit-limit-requests") != "" {
		t.Error("healthz should not carry rate limit headers")
	}

	resp = env.get(t, "/")
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "<h1>chat</h1>") {
		t.Errorf("GET / = %d %s", resp.StatusCode, raw)
	}
}

// stallFirst holds the first upstream call until the caller gives up, then answers normally.
func stallFirst(next http.HandlerFunc) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		next(w, r)
	}
}

func TestSendText_RetryAfterSlowAttemptWithinDeadline(t *testing.T) {
	cfg := dispatch.Config{Timeout: 200 * time.Millisecond, MaxRetries: 2, Backoff: 50 * time.Millisecond}
	env := newTestEnvWith(t, stallFirst(okProvider), testKey, envOptions{
		dispatch:       cfg,
		requestTimeout: dispatch.RetryBudget(cfg.Timeout, cfg.MaxRetries, cfg.Backoff) + 100*time.Millisecond,
	})

	resp := env.post(t, "/api/send_text", `{"message":"Hello","model":"gpt4","settings":{}}`, nil)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, raw)
	}
	if msg := decode(t, resp)["message"]; msg != "Hello! How can I <strong>help</strong> you today?" {
		t.Errorf("message = %v", msg)
	}
	if got := env.upstream.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestSendText_RequestDeadlineReportsUpstreamFailure(t *testing.T) {
	var logs syncBuffer
	env := newTestEnvWith(t, stallFirst(okProvider), testKey, envOptions{
		dispatch:       dispatch.Config{Timeout: 300 * time.Millisecond, MaxRetries: 2, Backoff: 100 * time.Millisecond},
		requestTimeout: 350 * time.Millisecond,
		logOut:         &logs,
	})

	resp := env.post(t, "/api/send_text", `{"message":"Hello","model":"gpt4","settings":{}}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	msg, _ := decode(t, resp)["error"].(string)
	if msg != "failed to communicate with the provider: gpt4 did not answer before the request deadline" {
		t.Errorf("error = %q", msg)
	}
	if strings.Contains(msg, "context deadline exceeded") {
		t.Errorf("error leaks the raw context error: %q", msg)
	}
	if !strings.Contains(logs.String(), "timeout=350ms") {
		t.Errorf("request log should record the expired timeout:\n%s", logs.String())
	}
}

func TestSendText_LogFields(t *testing.T) {
	var logs syncBuffer
	env := newTestEnvWith(t, okProvider, testKey, envOptions{
		dispatch: dispatch.Config{Timeout: 5 * time.Second},
		logOut:   &logs,
	})
	headers := map[string]string{"X-Forwarded-For": "203.0.113.9"}

	env.post(t, "/api/send_text", `{"message":"Hello","model":"gpt4","settings":{}}`, headers)
	env.post(t, "/api/send_text", `{"message":"Hello","model":"gpt4","settings":{}}`, headers)

	out := logs.String()
	for _, want := range []string{
		"model=gpt4",
		"client=203.0.113.9",
		"conversation_id=ip:203.0.113.9",
		"attempts=1 cache=miss",
		"attempts=0 cache=hit",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("request log missing %q:\n%s", want, out)
		}
	}
}

func TestExchangeLog(t *testing.T) {
	store, err := sqlite.New("file:frontdoor_exchange_log?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, reply := range []string{"first", "second"} {
		rec := &storage.ExchangeRecord{
			Exchange: domain.Exchange{
				ID:             fmt.Sprintf("ex-%d", i),
				Time:           base.Add(time.Duration(i) * time.Minute),
				Client:         domain.ClientInfo{Key: "203.0.113.10"},
				ConversationID: "conv-1",
				Model:          domain.ProviderGPT4,
				UserMessage:    "hi",
				Reply:          reply,
				Attempts:       1,
				Duration:       1500 * time.Millisecond,
			},
			Location: "Berlin, Germany",
		}
		if err := store.SaveExchange(context.Background(), rec); err != nil {
			t.Fatalf("SaveExchange() error = %v", err)
		}
	}

	env := newTestEnvWith(t, okProvider, testKey, envOptions{
		dispatch:    dispatch.Config{Timeout: 5 * time.Second},
		handlerOpts: []HandlerOption{WithExchangeLog(store)},
	})

	t.Run("list newest first", func(t *testing.T) {
		resp := env.get(t, "/api/conversations/conv-1/exchanges")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		raw, _ := io.ReadAll(resp.Body)
		if strings.Contains(string(raw), "203.0.113.10") {
			t.Errorf("exchange list exposes the client address: %s", raw)
		}
		var body struct {
			ConversationID string         `json:"conversation_id"`
			Exchanges      []exchangeView `json:"exchanges"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.ConversationID != "conv-1" || len(body.Exchanges) != 2 {
			t.Fatalf("body = %+v", body)
		}
		if body.Exchanges[0].Reply != "second" || body.Exchanges[1].Reply != "first" {
			t.Errorf("order = %q, %q", body.Exchanges[0].Reply, body.Exchanges[1].Reply)
		}
		if body.Exchanges[0].DurationMS != 1500 || body.Exchanges[0].Location != "Berlin, Germany" {
			t.Errorf("exchange = %+v", body.Exchanges[0])
		}
	})

	t.Run("limit", func(t *testing.T) {
		resp := env.get(t, "/api/conversations/conv-1/exchanges?limit=1")
		exchanges, _ := decode(t, resp)["exchanges"].([]any)
		if len(exchanges) != 1 {
			t.Errorf("exchanges = %d, want 1", len(exchanges))
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		resp := env.get(t, "/api/conversations/conv-1/exchanges?limit=0")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("unknown conversation is empty", func(t *testing.T) {
		resp := env.get(t, "/api/conversations/nobody/exchanges")
		exchanges, ok := decode(t, resp)["exchanges"].([]any)
		if !ok || len(exchanges) != 0 {
			t.Errorf("exchanges = %v, want empty list", exchanges)
		}
	})

	t.Run("get by id", func(t *testing.T) {
		resp := env.get(t, "/api/exchanges/ex-0")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if reply := decode(t, resp)["reply"]; reply != "first" {
			t.Errorf("reply = %v", reply)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		resp := env.get(t, "/api/exchanges/missing")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
		if msg := decode(t, resp)["error"]; msg != `exchange "missing" not found` {
			t.Errorf("error = %v", msg)
		}
	})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
