package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/tokens"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exchange(id string) domain.Exchange {
	return domain.Exchange{
		ID:             id,
		Time:           time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Client:         domain.ClientInfo{Key: "127.0.0.1", UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36"},
		ConversationID: "c1",
		Model:          domain.ProviderGPT4,
		UserMessage:    "hi",
		Reply:          "Hello",
		Attempts:       1,
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []*Record
}

func (s *recordingSink) Record(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *recordingSink) all() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Record(nil), s.recs...)
}

func TestAsync_DeliversEnrichedRecords(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, 4, quietLogger(), WithTokens(tokens.NewRegistry()))

	if !a.Submit(exchange("e1")) {
		t.Fatal("Submit() = false, want true")
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("delivered %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Location != Unknown {
		t.Errorf("Location = %q, want %q", rec.Location, Unknown)
	}
	if rec.Device != "Chrome on Windows" {
		t.Errorf("Device = %q", rec.Device)
	}
	if rec.PromptTokens == 0 || rec.ReplyTokens == 0 {
		t.Errorf("tokens = %d/%d, want non-zero", rec.PromptTokens, rec.ReplyTokens)
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex

	sink := SinkFunc(func(ctx context.Context, rec *Record) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	a := NewAsync(sink, 1, quietLogger())

	if !a.Submit(exchange("first")) {
		t.Fatal("Submit(first) = false")
	}
	<-started

	if !a.Submit(exchange("second")) {
		t.Fatal("Submit(second) = false, want queued")
	}
	if a.Submit(exchange("third")) {
		t.Fatal("Submit(third) = true, want dropped")
	}

	close(release)
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
}

func TestAsync_SubmitAfterClose(t *testing.T) {
	a := NewAsync(&recordingSink{}, 1, quietLogger())
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if a.Submit(exchange("late")) {
		t.Fatal("Submit() after Close = true, want false")
	}
}

func TestAsync_SinkErrorDoesNotStopWorker(t *testing.T) {
	var calls int
	var mu sync.Mutex
	sink := SinkFunc(func(ctx context.Context, rec *Record) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})

	a := NewAsync(sink, 4, quietLogger())
	a.Submit(exchange("a"))
	a.Submit(exchange("b"))
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	failing := SinkFunc(func(context.Context, *Record) error { return errors.New("down") })

	err := Multi{failing, ok}.Record(context.Background(), &Record{Exchange: exchange("m")})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("Record() error = %v, want joined error", err)
	}
	if len(ok.all()) != 1 {
		t.Fatal("healthy sink did not receive record after failing sink")
	}
}

func TestTelegramSink_Record(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	sink := NewTelegramSink("123:abc", "-100", srv.URL)
	rec := &Record{Exchange: exchange("t1"), Location: "Berlin, Germany", Device: "Chrome on Windows"}
	if err := sink.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if path != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got.ChatID != "-100" || got.ParseMode != "HTML" {
		t.Errorf("chat_id/parse_mode = %q/%q", got.ChatID, got.ParseMode)
	}
	for _, want := range []string{"<b>Time:</b> <code>2024-05-01 12:30:00</code>", "hi", "Hello", "Berlin, Germany", "<code>127.0.0.1</code>"} {
		if !strings.Contains(got.Text, want) {
			t.Errorf("message missing %q:\n%s", want, got.Text)
		}
	}
}

func TestTelegramSink_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegramSink("secret-token", "1", srv.URL).Record(context.Background(), &Record{Exchange: exchange("t2")})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Record() error = %v", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("error leaks bot token: %v", err)
	}
}

func TestFormatTelegramMessage_Truncates(t *testing.T) {
	ex := exchange("long")
	ex.Reply = strings.Repeat("x", 5000)
	msg := FormatTelegramMessage(&Record{Exchange: ex})
	if n := utf8.RuneCountInString(msg); n > telegramLimit {
		t.Fatalf("length = %d, want <= %d", n, telegramLimit)
	}
	if !strings.HasSuffix(msg, "…</pre>\n__________________________") {
		t.Errorf("reply should be cut inside its block, got tail %q", msg[len(msg)-40:])
	}
}

func TestFormatTelegramMessage_MultiByteTruncation(t *testing.T) {
	ex := exchange("runes")
	ex.UserMessage = strings.Repeat("ж", 3000)
	ex.Reply = strings.Repeat("日本", 3000)
	msg := FormatTelegramMessage(&Record{Exchange: ex})

	if !utf8.ValidString(msg) {
		t.Fatal("message is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(msg); n > telegramLimit {
		t.Fatalf("length = %d characters, want <= %d", n, telegramLimit)
	}
	if !strings.Contains(msg, "ж") || !strings.Contains(msg, "日本") {
		t.Error("both texts should keep a prefix")
	}
}

func TestFormatTelegramMessage_EscapesMarkup(t *testing.T) {
	ex := exchange("markup")
	ex.UserMessage = "```go\nfmt.Println(*p)\n``` and <script>alert(1)</script>"
	ex.Reply = "use a_b & *bold"
	msg := FormatTelegramMessage(&Record{Exchange: ex})

	for _, want := range []string{
		"<pre>```go\nfmt.Println(*p)\n``` and &lt;script&gt;alert(1)&lt;/script&gt;</pre>",
		"<pre>use a_b &amp; *bold</pre>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "<script>") {
		t.Error("user markup must be escaped")
	}
}

func TestGeoLookup_Locate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/8.8.8.8":
			w.Write([]byte(`{"status":"success","city":"Mountain View","regionName":"California","country":"United States"}`))
		case "/json/1.1.1.1":
			w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	geo := NewGeoLookup(srv.URL)
	tests := []struct {
		ip   string
		want string
	}{
		{"8.8.8.8", "Mountain View, California, United States"},
		{"1.1.1.1", Unknown},
		{"9.9.9.9", Unknown},
		{"10.0.0.1", Unknown},
		{"127.0.0.1", Unknown},
		{"not-an-ip", Unknown},
	}
	for _, tt := range tests {
		if got := geo.Locate(context.Background(), tt.ip); got != tt.want {
			t.Errorf("Locate(%q) = %q, want %q", tt.ip, got, tt.want)
		}
	}
}

func TestGeoLookup_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	if got := NewGeoLookup(base).Locate(context.Background(), "8.8.8.8"); got != Unknown {
		t.Fatalf("Locate() = %q, want %q", got, Unknown)
	}
}

func TestDescribeUserAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"", Unknown},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0", "Firefox on Linux"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15", "Safari on macOS"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 CriOS/120.0 Mobile Safari/604.1", "Chrome on iOS"},
		{"Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 Chrome/120.0 Mobile Safari/537.36", "Chrome on Android"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0", "Edge on Windows"},
		{"curl/8.4.0", "curl"},
		{"something odd", Unknown},
	}
	for _, tt := range tests {
		if got := DescribeUserAgent(tt.ua); got != tt.want {
			t.Errorf("DescribeUserAgent(%q) = %q, want %q", tt.ua, got, tt.want)
		}
	}
}
