// Package gateway composes rate limiting, validation, conversation state, provider
// resolution, caching, dispatch and normalization into the per-request chat contract.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/chat-gateway/internal/codec"
	"github.com/tjfontaine/chat-gateway/internal/dispatch"
	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/provider"
	"github.com/tjfontaine/chat-gateway/internal/ratelimit"
	"github.com/tjfontaine/chat-gateway/internal/storage"
)

// Dispatcher performs one outbound provider call.
type Dispatcher interface {
	Dispatch(ctx context.Context, pc *provider.Config) (*dispatch.Response, error)
}

// RateLimiter admits or denies requests per client.
type RateLimiter interface {
	Check(clientKey string) ratelimit.Decision
}

// Auditor receives completed exchanges. Submit must not block.
type Auditor interface {
	Submit(ex domain.Exchange) bool
}

// Deps are the collaborators a Gateway is built from.
type Deps struct {
	Resolver      *provider.Resolver
	Conversations storage.ConversationStore
	Cache         storage.ResponseCache
	Limiter       RateLimiter
	Dispatcher    Dispatcher
	Auditor       Auditor
	Logger        *slog.Logger
}

// Request is an incoming /api/send_text call as decoded from the wire.
type Request struct {
	Message        string            `json:"message"`
	Model          string            `json:"model"`
	Settings       json.RawMessage   `json:"settings"`
	ConversationID string            `json:"conversation_id"`
	Client         domain.ClientInfo `json:"-"`
}

// Result describes a handled request. Send always returns a non-nil Result; when it also
// returns an error only RateLimit is meaningful.
type Result struct {
	Reply     domain.ChatReply
	RateLimit ratelimit.Decision
	Cached    bool
	Attempts  int
}

// Gateway is the request orchestrator. It is safe for concurrent use.
type Gateway struct {
	resolver      *provider.Resolver
	conversations storage.ConversationStore
	cache         storage.ResponseCache
	limiter       RateLimiter
	dispatcher    Dispatcher
	auditor       Auditor
	logger        *slog.Logger
	tracer        trace.Tracer
	flights       singleflight.Group
	now           func() time.Time
}

// New creates a Gateway from deps.
func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		resolver:      deps.Resolver,
		conversations: deps.Conversations,
		cache:         deps.Cache,
		limiter:       deps.Limiter,
		dispatcher:    deps.Dispatcher,
		auditor:       deps.Auditor,
		logger:        logger,
		tracer:        otel.Tracer("github.com/tjfontaine/chat-gateway/internal/gateway"),
		now:           time.Now,
	}
}

// outcome is the shared result of one cache-miss flight.
type outcome struct {
	reply    string
	raw      []byte
	attempts int
	degraded bool
}

// Send handles one chat message end to end.
func (g *Gateway) Send(ctx context.Context, req Request) (*Result, error) {
	start := g.now()
	res := &Result{}

	ctx, span := g.tracer.Start(ctx, "gateway.send")
	defer span.End()

	res.RateLimit = g.limiter.Check(req.Client.Key)
	if !res.RateLimit.Allowed {
		err := domain.ErrRateLimit(fmt.Sprintf("rate limit exceeded: %d requests per %s",
			res.RateLimit.Limit, formatWindow(g.limiterPeriod())))
		span.SetStatus(codes.Error, err.Message)
		return res, err
	}

	model, settings, err := validate(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("gateway.model", string(model)))

	convKey := req.ConversationID
	if convKey == "" {
		convKey = "ip:" + req.Client.Key
	}
	res.Reply.ConversationID = convKey

	history, err := g.conversations.Get(ctx, convKey)
	if err != nil {
		return res, fmt.Errorf("load conversation: %w", err)
	}

	pc, err := g.resolver.Resolve(model, req.Message, settings, history)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	fp := Fingerprint(SendTextPath, req.Message, model, settings, req.ConversationID)
	if cached, ok := g.cache.Get(ctx, fp); ok {
		span.SetAttributes(attribute.Bool("gateway.cache_hit", true))
		res.Reply.Message = cached
		res.Cached = true
		g.audit(req, model, convKey, cached, nil, true, 0, g.now().Sub(start))
		return res, nil
	}
	span.SetAttributes(attribute.Bool("gateway.cache_hit", false))

	ch := g.flights.DoChan(fp, func() (any, error) {
		// The upstream call outlives a disconnected client so its reply is still cached.
		return g.fetch(context.WithoutCancel(ctx), pc, fp)
	})

	finish := func(r singleflight.Result) (*outcome, error) {
		if r.Err != nil {
			return nil, r.Err
		}
		out := r.Val.(*outcome)
		if !out.degraded {
			user := domain.Turn{Role: domain.RoleUser, Content: req.Message}
			assistant := domain.Turn{Role: domain.RoleAssistant, Content: out.reply}
			if err := g.conversations.Append(context.WithoutCancel(ctx), convKey, user, assistant); err != nil {
				return nil, fmt.Errorf("update conversation: %w", err)
			}
		}
		g.audit(req, model, convKey, out.reply, out.raw, false, out.attempts, g.now().Sub(start))
		return out, nil
	}

	select {
	case r := <-ch:
		out, err := finish(r)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		span.SetAttributes(attribute.Int("gateway.attempts", out.attempts))
		res.Reply.Message = out.reply
		res.Attempts = out.attempts
		return res, nil
	case <-ctx.Done():
		go func() {
			if _, err := finish(<-ch); err != nil {
				g.logger.Warn("abandoned exchange failed",
					slog.String("conversation_id", convKey),
					slog.String("error", err.Error()))
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err := domain.ErrDispatch(fmt.Sprintf(
				"failed to communicate with the provider: %s did not answer before the request deadline", model)).
				WithCause(context.Cause(ctx))
			span.SetStatus(codes.Error, err.Message)
			return res, err
		}
		return res, ctx.Err()
	}
}

// fetch dispatches a cache miss, normalizes the reply and writes it to the cache.
func (g *Gateway) fetch(ctx context.Context, pc *provider.Config, fp string) (*outcome, error) {
	resp, err := g.dispatcher.Dispatch(ctx, pc)
	if err != nil {
		g.logger.Error("provider call failed",
			slog.String("provider", string(pc.Provider)),
			slog.String("error", err.Error()))
		return nil, err
	}

	reply, err := codec.Normalize(pc, resp.Body)
	if err != nil {
		var nerr *codec.NormalizationError
		if !errors.As(err, &nerr) {
			return nil, err
		}
		g.logger.Warn("unexpected provider response",
			slog.String("provider", string(pc.Provider)),
			slog.String("shape", nerr.Shape))
		return &outcome{reply: nerr.ReplyMessage(), raw: resp.Body, attempts: resp.Attempts, degraded: true}, nil
	}

	g.cache.Put(ctx, fp, reply)
	return &outcome{reply: reply, raw: resp.Body, attempts: resp.Attempts}, nil
}

// Reset clears the conversation named by conversationID, or the client's derived
// conversation when it is empty.
func (g *Gateway) Reset(ctx context.Context, client domain.ClientInfo, conversationID string) (string, int, error) {
	key := conversationID
	if key == "" {
		key = "ip:" + client.Key
	}
	n, err := g.conversations.Reset(ctx, key)
	if err != nil {
		return key, 0, fmt.Errorf("reset conversation: %w", err)
	}
	return key, n, nil
}

func (g *Gateway) audit(req Request, model domain.ProviderID, convKey, reply string, raw []byte, cached bool, attempts int, elapsed time.Duration) {
	if g.auditor == nil {
		return
	}
	ex := domain.Exchange{
		ID:             uuid.New().String(),
		Time:           g.now(),
		Client:         req.Client,
		ConversationID: convKey,
		Model:          model,
		UserMessage:    req.Message,
		Reply:          reply,
		Cached:         cached,
		Attempts:       attempts,
		Duration:       elapsed,
	}
	if json.Valid(raw) {
		ex.RawResponse = json.RawMessage(raw)
	}
	g.auditor.Submit(ex)
}

func (g *Gateway) limiterPeriod() time.Duration {
	if p, ok := g.limiter.(interface{ Period() time.Duration }); ok {
		return p.Period()
	}
	return 0
}

func validate(req Request) (domain.ProviderID, domain.Settings, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", nil, domain.ErrValidation("message", "Message is required.")
	}

	model := domain.ProviderID(req.Model)
	if !model.Valid() {
		names := make([]string, len(domain.Providers))
		for i, p := range domain.Providers {
			names[i] = string(p)
		}
		return "", nil, domain.ErrValidation("model",
			fmt.Sprintf("Must be one of: %s.", strings.Join(names, ", ")))
	}

	settings := domain.Settings{}
	raw := bytes.TrimSpace(req.Settings)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return model, settings, nil
	}
	if raw[0] != '{' {
		return "", nil, domain.ErrValidation("settings", "Must be an object.")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&settings); err != nil {
		return "", nil, domain.ErrValidation("settings", "Must be an object.")
	}
	return model, settings, nil
}

func formatWindow(d time.Duration) string {
	switch {
	case d <= 0:
		return "window"
	case d%time.Hour == 0:
		if d == time.Hour {
			return "hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d%time.Minute == 0:
		if d == time.Minute {
			return "minute"
		}
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
