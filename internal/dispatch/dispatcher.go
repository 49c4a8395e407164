// Package dispatch turns provider-agnostic requests into provider calls.
// It owns the per-request lifecycle: authorization hand-off, template
// resolution, history loading, the provider invocation in buffered or
// streaming mode, persistence and the single usage record per call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"unigate/config"
	"unigate/internal/auth"
	"unigate/internal/core"
	"unigate/internal/observability"
	"unigate/internal/providers"
	"unigate/internal/session"
	"unigate/internal/template"
	"unigate/internal/usage"
)

// ErrChatNotFound is surfaced when a chat id does not exist or belongs to
// another client. The two cases are deliberately indistinguishable.
var ErrChatNotFound = session.ErrChatNotFound

// Renderer resolves and renders a stored prompt template. Satisfied by
// *template.Renderer.
type Renderer interface {
	Render(ctx context.Context, name string, version int, vars map[string]string) (string, int, error)
}

// KeyResolver picks the provider credential for a caller. Satisfied by
// *apikeys.Resolver.
type KeyResolver interface {
	Resolve(ctx context.Context, clientID uuid.UUID, provider string) (secret string, isClientKey bool, err error)
}

// Options collects the dispatcher's collaborators.
type Options struct {
	Registry *providers.Registry
	Renderer Renderer
	Sessions session.Store
	Recorder usage.Recorder
	Keys     KeyResolver
	Metrics  *observability.Metrics
	Config   config.DispatchConfig
}

// Dispatcher coordinates one provider call per inbound request. It is safe
// for concurrent use; per-chat ordering is enforced with a keyed lock held
// across history load and both message appends.
type Dispatcher struct {
	registry *providers.Registry
	renderer Renderer
	sessions session.Store
	recorder usage.Recorder
	keys     KeyResolver
	metrics  *observability.Metrics
	cfg      config.DispatchConfig
	locks    *chatLocks
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = usage.NoopRecorder{}
	}
	return &Dispatcher{
		registry: opts.Registry,
		renderer: opts.Renderer,
		sessions: opts.Sessions,
		recorder: recorder,
		keys:     opts.Keys,
		metrics:  opts.Metrics,
		cfg:      opts.Config,
		locks:    newChatLocks(),
	}, nil
}

// call carries the state of one dispatched request. The recorded flag is
// the once-guard behind the one-usage-row-per-call invariant.
type call struct {
	d        *Dispatcher
	caller   *auth.Identity
	adapter  providers.Adapter
	info     providers.ModelInfo
	inv      providers.Invocation
	entry    *usage.Entry
	start    time.Time
	recorded atomic.Bool
}

// prepare walks the pre-provider stages: authorization check, registry
// resolution, template rendering, system prompt merge and API key lookup.
// Any failure here is recorded (when configured) before returning.
func (d *Dispatcher) prepare(ctx context.Context, caller *auth.Identity, req *core.GenerateRequest, streamed bool) (*call, error) {
	c := &call{
		d:      d,
		caller: caller,
		start:  time.Now(),
		entry: &usage.Entry{
			ID:        uuid.NewString(),
			RequestID: core.GetRequestID(ctx),
			Provider:  req.Provider,
			Model:     req.Model,
			Streamed:  streamed,
		},
	}

	if caller == nil {
		return nil, c.failPre(core.NewUnauthorized("caller identity is missing"))
	}
	c.entry.ClientID = caller.ClientID.String()

	adapter, info, err := d.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		return nil, c.failPre(err)
	}
	c.adapter = adapter
	c.info = info

	systemPrompt := ""
	if ref := req.SystemPrompt; ref != nil {
		rendered, version, err := d.renderTemplate(ctx, ref)
		if err != nil {
			return nil, c.failPre(err)
		}
		systemPrompt = rendered
		c.entry.TemplateName = ref.TemplateName
		c.entry.TemplateVersion = version
	}
	// Merge order is fixed: template-rendered text first, then a blank
	// line, then the caller's own system prompt.
	if req.ClientSystemPrompt != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n" + req.ClientSystemPrompt
		} else {
			systemPrompt = req.ClientSystemPrompt
		}
	}

	apiKey := ""
	if d.keys != nil {
		key, isClient, err := d.keys.Resolve(ctx, caller.ClientID, req.Provider)
		if err != nil {
			return nil, c.failPre(core.NewStorageFailure("api key lookup", err))
		}
		apiKey = key
		c.entry.IsClientKey = isClient
	}

	c.inv = providers.Invocation{
		Model:        req.Model,
		SystemPrompt: systemPrompt,
		UserPrompt:   req.UserPrompt,
		Parameters:   req.Parameters,
		APIKey:       apiKey,
	}
	return c, nil
}

func (d *Dispatcher) renderTemplate(ctx context.Context, ref *core.SystemPromptRef) (string, int, error) {
	if d.renderer == nil {
		return "", 0, core.NewTemplateNotFound(ref.TemplateName)
	}
	rendered, version, err := d.renderer.Render(ctx, ref.TemplateName, ref.Version, ref.Tenants)
	if errors.Is(err, template.ErrTemplateNotFound) {
		return "", 0, core.NewTemplateNotFound(ref.TemplateName)
	}
	if err != nil {
		return "", 0, core.NewStorageFailure("template render", err)
	}
	return rendered, version, nil
}

// Generate performs a buffered single-shot completion.
func (d *Dispatcher) Generate(ctx context.Context, caller *auth.Identity, req *core.GenerateRequest) (*core.Reply, error) {
	c, err := d.prepare(ctx, caller, req, false)
	if err != nil {
		return nil, err
	}

	res, err := d.complete(ctx, c)
	if err != nil {
		return nil, err
	}

	c.record(true, "", res.ProviderID, core.Usage{
		InputTokens:     res.InputTokens,
		OutputTokens:    res.OutputTokens,
		ReasoningTokens: res.ReasoningTokens,
	})
	return replyFrom(res, nil), nil
}

// Chat performs a buffered completion inside a persisted conversation. The
// per-chat lock is held across history load and both appends so concurrent
// calls on the same chat cannot interleave indices.
func (d *Dispatcher) Chat(ctx context.Context, caller *auth.Identity, req *core.ChatRequest) (*core.Reply, error) {
	c, err := d.prepare(ctx, caller, &req.GenerateRequest, false)
	if err != nil {
		return nil, err
	}

	chatID, err := d.openChat(ctx, c, req.ChatID)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.lock(chatID)
	defer unlock()

	if err := d.loadHistory(ctx, c, chatID); err != nil {
		return nil, err
	}
	if _, err := d.sessions.AppendMessage(ctx, chatID, core.RoleUser, req.UserPrompt); err != nil {
		return nil, c.fail(core.NewStorageFailure("user message append", err))
	}

	res, err := d.complete(ctx, c)
	if err != nil {
		return nil, err
	}

	// Returning an assistant turn that was never durably appended would
	// corrupt the conversation, so this write is fatal on failure.
	if _, err := d.sessions.AppendMessage(ctx, chatID, core.RoleAssistant, res.Text); err != nil {
		ge := core.NewStorageFailure("assistant message append", err)
		c.record(false, ge.Message, res.ProviderID, core.Usage{
			InputTokens:     res.InputTokens,
			OutputTokens:    res.OutputTokens,
			ReasoningTokens: res.ReasoningTokens,
		})
		return nil, ge
	}

	c.record(true, "", res.ProviderID, core.Usage{
		InputTokens:     res.InputTokens,
		OutputTokens:    res.OutputTokens,
		ReasoningTokens: res.ReasoningTokens,
	})
	return replyFrom(res, &chatID), nil
}

// GenerateStream performs a streaming single-shot completion.
func (d *Dispatcher) GenerateStream(ctx context.Context, caller *auth.Identity, req *core.GenerateRequest) (*Stream, error) {
	c, err := d.prepare(ctx, caller, req, true)
	if err != nil {
		return nil, err
	}
	return d.startStream(ctx, c, nil, nil)
}

// ChatStream performs a streaming completion inside a persisted
// conversation. The chat lock stays held until the stream finishes so the
// assistant append lands before any competing request reads the history.
func (d *Dispatcher) ChatStream(ctx context.Context, caller *auth.Identity, req *core.ChatRequest) (*Stream, error) {
	c, err := d.prepare(ctx, caller, &req.GenerateRequest, true)
	if err != nil {
		return nil, err
	}

	chatID, err := d.openChat(ctx, c, req.ChatID)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.lock(chatID)

	if err := d.loadHistory(ctx, c, chatID); err != nil {
		unlock()
		return nil, err
	}
	if _, err := d.sessions.AppendMessage(ctx, chatID, core.RoleUser, req.UserPrompt); err != nil {
		unlock()
		return nil, c.fail(core.NewStorageFailure("user message append", err))
	}

	s, err := d.startStream(ctx, c, &chatID, unlock)
	if err != nil {
		unlock()
		return nil, err
	}
	return s, nil
}

// openChat resolves or creates the target chat. Unknown ids and chats owned
// by other clients both report ErrChatNotFound.
func (d *Dispatcher) openChat(ctx context.Context, c *call, chatID *uuid.UUID) (uuid.UUID, error) {
	if chatID != nil {
		chat, err := d.sessions.GetChat(ctx, *chatID)
		if errors.Is(err, session.ErrChatNotFound) {
			return uuid.Nil, c.fail(err)
		}
		if err != nil {
			return uuid.Nil, c.fail(core.NewStorageFailure("chat lookup", err))
		}
		if chat.ClientID != c.caller.ClientID {
			return uuid.Nil, c.fail(session.ErrChatNotFound)
		}
		return chat.ID, nil
	}

	chat, err := d.sessions.CreateChat(ctx, c.caller.ClientID)
	if err != nil {
		return uuid.Nil, c.fail(core.NewStorageFailure("chat create", err))
	}
	return chat.ID, nil
}

func (d *Dispatcher) loadHistory(ctx context.Context, c *call, chatID uuid.UUID) error {
	stored, err := d.sessions.Messages(ctx, chatID)
	if err != nil {
		return c.fail(core.NewStorageFailure("history load", err))
	}
	history := make([]core.Message, len(stored))
	for i, m := range stored {
		history[i] = core.Message{Role: m.Role, Content: m.Content}
	}
	c.inv.History = history
	return nil
}

// complete runs the buffered adapter call under the provider timeout and
// records the usage row on failure.
func (d *Dispatcher) complete(ctx context.Context, c *call) (*core.Result, error) {
	ctx, cancel := d.boundCtx(ctx)
	defer cancel()

	res, err := c.adapter.Complete(ctx, c.inv)
	if err != nil {
		ge := c.asProviderError(ctx, err)
		c.record(false, ge.Message, "", core.Usage{})
		return nil, ge
	}
	return res, nil
}

func (d *Dispatcher) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.ProviderTimeout > 0 {
		return context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	}
	return context.WithCancel(ctx)
}

// asProviderError normalizes an adapter error, turning a timeout expiry into
// the transient kind regardless of how the adapter classified it.
func (c *call) asProviderError(ctx context.Context, err error) *core.GatewayError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.NewProviderUnavailable(c.entry.Provider, "provider call timed out", err)
	}
	ge := core.AsGatewayError(err)
	if ge.Provider == "" {
		ge.Provider = c.entry.Provider
	}
	return ge
}

// failPre handles failures before the provider was invoked. These produce a
// usage row only when configured to.
func (c *call) failPre(err error) error {
	if c.recorded.Swap(true) {
		return err
	}
	c.entry.ErrorMessage = err.Error()
	if c.d.cfg.RecordPreProviderFailures {
		c.write(false, err.Error(), "", core.Usage{})
	}
	c.observe(false, core.Usage{})
	return err
}

// fail records a usage row for a failure at or after the history stage.
func (c *call) fail(err error) error {
	c.record(false, err.Error(), "", core.Usage{})
	return err
}

// record writes the single usage row for this call. Subsequent calls are
// no-ops.
func (c *call) record(success bool, errMsg, providerID string, u core.Usage) {
	if c.recorded.Swap(true) {
		return
	}
	c.write(success, errMsg, providerID, u)
	c.observe(success, u)
}

func (c *call) write(success bool, errMsg, providerID string, u core.Usage) {
	e := c.entry
	e.ProviderID = providerID
	e.Timestamp = time.Now().UTC()
	e.InputTokens = u.InputTokens
	e.OutputTokens = u.OutputTokens
	e.ReasoningTokens = u.ReasoningTokens
	e.TotalTokens = u.InputTokens + u.OutputTokens + u.ReasoningTokens
	e.LatencyMs = time.Since(c.start).Milliseconds()
	e.Success = success
	e.ErrorMessage = errMsg
	e.SetCosts(c.info.InputPricePerMTok, c.info.OutputPricePerMTok)
	c.d.recorder.Record(e)
}

func (c *call) observe(success bool, u core.Usage) {
	c.d.metrics.ObserveRequest(c.entry.Provider, c.entry.Model, success, time.Since(c.start), u)
	if !success {
		slog.Warn("request failed",
			"request_id", c.entry.RequestID,
			"provider", c.entry.Provider,
			"model", c.entry.Model,
			"error", c.entry.ErrorMessage)
	}
}

func replyFrom(res *core.Result, chatID *uuid.UUID) *core.Reply {
	return &core.Reply{
		Text:            res.Text,
		InputTokens:     res.InputTokens,
		OutputTokens:    res.OutputTokens,
		ReasoningTokens: res.ReasoningTokens,
		LatencyMs:       float64(res.Latency.Milliseconds()),
		ChatID:          chatID,
	}
}
