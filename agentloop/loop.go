package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/chatloop/record"
	"github.com/martinemde/chatloop/unifiedllm"
)

// ModelClient streams model responses. *unifiedllm.Client satisfies it.
type ModelClient interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// ModelCallError is a fatal model or transport failure. It aborts the run
// and is reported as an error event; no record is written for the call.
type ModelCallError struct {
	Err error
}

func (e *ModelCallError) Error() string { return "model call failed: " + e.Err.Error() }
func (e *ModelCallError) Unwrap() error { return e.Err }

// Loop drives model calls and tool dispatch for sessions in a Store. It is
// the only writer of a session's records while a run is active, and at
// most one run per session is active at a time.
type Loop struct {
	store  record.Store
	model  ModelClient
	tools  ToolExecutor
	logger *slog.Logger
	now    func() time.Time

	// settingsMu guards cfg and prompt. Each run works on a snapshot taken
	// when it starts.
	settingsMu sync.RWMutex
	prompt     *PromptBuilder
	cfg        Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewLoop creates a Loop. A nil tools runs without tools and a nil prompt
// sends no system prompt.
func NewLoop(store record.Store, model ModelClient, tools ToolExecutor, prompt *PromptBuilder, cfg Config, logger *slog.Logger) *Loop {
	if tools == nil {
		tools = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:  store,
		model:  model,
		tools:  tools,
		prompt: clonePrompt(prompt),
		cfg:    cfg.clone().withDefaults(),
		logger: logger,
		now:    time.Now,
		active: make(map[string]context.CancelFunc),
	}
}

// Config returns the loop configuration.
func (l *Loop) Config() Config {
	l.settingsMu.RLock()
	defer l.settingsMu.RUnlock()
	return l.cfg.clone()
}

// SetConfig replaces the loop configuration. Active runs keep the
// configuration they started with.
func (l *Loop) SetConfig(cfg Config) {
	cfg = cfg.clone().withDefaults()
	l.settingsMu.Lock()
	l.cfg = cfg
	l.settingsMu.Unlock()
}

// Prompt returns a copy of the system prompt builder, or nil when no system
// prompt is sent.
func (l *Loop) Prompt() *PromptBuilder {
	l.settingsMu.RLock()
	defer l.settingsMu.RUnlock()
	return clonePrompt(l.prompt)
}

// SetPrompt replaces the system prompt builder for runs started after the
// call.
func (l *Loop) SetPrompt(p *PromptBuilder) {
	p = clonePrompt(p)
	l.settingsMu.Lock()
	l.prompt = p
	l.settingsMu.Unlock()
}

func clonePrompt(p *PromptBuilder) *PromptBuilder {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Submit appends a user message to the session and runs the loop on it.
// It fails with record.ErrSessionBusy if a run is already active and
// record.ErrNotFound for an unknown session. The first event is the record
// event for the user message; the channel closes when the run ends.
func (l *Loop) Submit(ctx context.Context, sessionID string, msg record.MessageRecord) (<-chan Event, error) {
	if msg.Role == "" {
		msg.Role = record.RoleUser
	}
	release, err := l.store.Acquire(sessionID)
	if err != nil {
		return nil, err
	}
	rec, err := l.store.Append(sessionID, record.Record{Kind: record.KindMessage, Message: &msg})
	if err != nil {
		release()
		return nil, fmt.Errorf("append user message: %w", err)
	}
	return l.start(ctx, sessionID, release, &rec), nil
}

// Run continues the loop on the session's existing records.
func (l *Loop) Run(ctx context.Context, sessionID string) (<-chan Event, error) {
	release, err := l.store.Acquire(sessionID)
	if err != nil {
		return nil, err
	}
	return l.start(ctx, sessionID, release, nil), nil
}

// Stop cancels the active run for a session. It reports whether a run was
// active.
func (l *Loop) Stop(sessionID string) bool {
	l.mu.Lock()
	cancel, ok := l.active[sessionID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether a run is in progress for the session.
func (l *Loop) Active(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[sessionID]
	return ok
}

func (l *Loop) start(ctx context.Context, sessionID string, release func(), first *record.Record) <-chan Event {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.active[sessionID] = cancel
	l.mu.Unlock()

	cfg, prompt := l.Config(), l.Prompt()
	out := make(chan Event, cfg.EventBuffer)
	r := &run{loop: l, cfg: cfg, prompt: prompt, ctx: ctx, sessionID: sessionID, out: out}

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.active, sessionID)
			l.mu.Unlock()
			cancel()
			release()
			close(out)
		}()
		if first != nil && !r.emit(RecordEvent(*first)) {
			return
		}
		r.execute()
	}()
	return out
}

// run is the state of one active loop execution.
type run struct {
	loop       *Loop
	cfg        Config
	prompt     *PromptBuilder
	ctx        context.Context
	sessionID  string
	out        chan<- Event
	loopWarned bool
}

func (r *run) emit(ev Event) bool {
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *run) fail(err error) {
	r.emit(ErrorEvent("Error: " + err.Error()))
}

// commit appends rec and emits it as an event of type typ.
func (r *run) commit(rec record.Record, typ EventType) bool {
	committed, err := r.loop.store.Append(r.sessionID, rec)
	if err != nil {
		r.loop.logger.Error("append record failed", "session_id", r.sessionID, "error", err)
		r.fail(fmt.Errorf("append record: %w", err))
		return false
	}
	r.emit(Event{Type: typ, Record: &committed})
	return true
}

func (r *run) execute() {
	start := time.Now()
	r.loop.logger.Info("run started", "session_id", r.sessionID)
	iterations, outcome := r.iterate()
	r.loop.logger.Info("run finished",
		"session_id", r.sessionID,
		"iterations", iterations,
		"outcome", outcome,
		"elapsed", time.Since(start),
	)
}

func (r *run) iterate() (int, string) {
	l := r.loop
	for iteration := 0; ; iteration++ {
		if r.ctx.Err() != nil {
			return iteration, "cancelled"
		}
		if iteration >= r.cfg.MaxIterations {
			l.logger.Warn("max iterations reached", "session_id", r.sessionID, "max_iterations", r.cfg.MaxIterations)
			if !r.commit(record.NewAssistantMessage(MaxIterationsNotice, ""), EventRecord) {
				return iteration, "error"
			}
			r.emit(DoneEvent())
			return iteration, "max_iterations"
		}

		records, err := l.store.Load(r.sessionID)
		if err != nil {
			r.fail(fmt.Errorf("load session: %w", err))
			return iteration, "error"
		}

		resp, err := r.callModel(r.request(records))
		if err != nil {
			if r.ctx.Err() != nil {
				return iteration + 1, "cancelled"
			}
			l.logger.Error("model call failed", "session_id", r.sessionID, "iteration", iteration, "error", err)
			r.fail(err)
			return iteration + 1, "error"
		}
		if r.ctx.Err() != nil {
			return iteration + 1, "cancelled"
		}

		content := strings.TrimSpace(resp.Text)
		reasoning := strings.TrimSpace(resp.Reasoning)

		if len(resp.ToolCalls) == 0 {
			if !r.commit(record.NewAssistantMessage(content, reasoning), EventRecord) {
				return iteration + 1, "error"
			}
			r.emit(DoneEvent())
			return iteration + 1, "complete"
		}

		if content != "" || reasoning != "" {
			if !r.commit(record.NewAssistantMessage(content, reasoning), EventRecord) {
				return iteration + 1, "error"
			}
		}

		calls := prepareCalls(resp.ToolCalls, records)
		turnID := uuid.NewString()
		requests := make([]ToolCallRequest, len(calls))
		for i, c := range calls {
			requests[i] = ToolCallRequest{ID: c.id, Name: c.name, Arguments: c.args}
		}
		r.emit(Event{Type: EventToolCallsStart, ToolCalls: requests})

		for _, c := range calls {
			if r.ctx.Err() != nil {
				return iteration + 1, "cancelled"
			}
			r.emit(ToolStartEvent(c.id, c.name, c.args))
			success, result := r.dispatch(c)
			rec := record.NewToolCall(c.id, c.name, c.args, result, success)
			rec.ToolCall.TurnID = turnID
			if !r.commit(rec, EventToolResult) {
				return iteration + 1, "error"
			}
			records = append(records, rec)
		}
		r.checkRepetition(records)
	}
}

// checkRepetition warns once per run when the model keeps issuing the same
// tool calls.
func (r *run) checkRepetition(records []record.Record) {
	if r.loopWarned || !DetectLoop(records, r.cfg.LoopDetectionWindow) {
		return
	}
	r.loopWarned = true
	r.loop.logger.Warn("repeating tool call pattern detected",
		"session_id", r.sessionID,
		"window", r.cfg.LoopDetectionWindow,
	)
}

func (r *run) request(records []record.Record) unifiedllm.Request {
	l := r.loop
	tools := l.tools.Definitions()
	builder := ContextBuilder{
		Rounds:     r.cfg.ToolHistoryRounds,
		CharLimits: r.cfg.ToolOutputLimits,
		LineLimits: r.cfg.ToolLineLimits,
	}
	history := builder.Build(records)

	messages := make([]unifiedllm.Message, 0, len(history)+1)
	if r.prompt != nil {
		messages = append(messages, unifiedllm.SystemMessage(r.prompt.Build(l.now(), tools)))
	}
	messages = append(messages, history...)

	req := unifiedllm.Request{
		Model:           r.cfg.Model,
		Provider:        r.cfg.Provider,
		Messages:        messages,
		ToolDefs:        tools,
		Temperature:     r.cfg.Temperature,
		MaxTokens:       r.cfg.MaxTokens,
		ProviderOptions: maps.Clone(r.cfg.ProviderOptions),
	}
	if len(tools) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	return req
}

// callModel streams one model response, forwarding deltas as events. A
// reasoning_start is emitted before the first reasoning delta and a
// reasoning_end once content begins or the stream ends.
func (r *run) callModel(req unifiedllm.Request) (*unifiedllm.Response, error) {
	l := r.loop
	var (
		mctx   context.Context
		cancel context.CancelFunc
	)
	if r.cfg.ModelTimeout > 0 {
		mctx, cancel = context.WithTimeout(r.ctx, r.cfg.ModelTimeout)
	} else {
		mctx, cancel = context.WithCancel(r.ctx)
	}
	defer cancel()

	l.logger.Debug("calling model",
		"session_id", r.sessionID,
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.ToolDefs),
	)

	stream, err := l.model.Stream(mctx, req)
	if err != nil {
		return nil, r.modelError(mctx, err)
	}

	acc := unifiedllm.NewStreamAccumulator()
	reasoning := false
	endReasoning := func() {
		if reasoning {
			r.emit(Event{Type: EventReasoningEnd})
			reasoning = false
		}
	}

	for {
		select {
		case <-mctx.Done():
			if r.ctx.Err() == nil {
				endReasoning()
			}
			return nil, r.modelError(mctx, mctx.Err())

		case ev, ok := <-stream:
			if !ok {
				if mctx.Err() != nil {
					return nil, r.modelError(mctx, mctx.Err())
				}
				endReasoning()
				if !acc.Finished() && acc.Err() == nil {
					return nil, &ModelCallError{Err: errors.New("stream ended before the response completed")}
				}
				resp, err := acc.Result()
				if err != nil {
					return nil, r.modelError(mctx, err)
				}
				return resp, nil
			}

			acc.Process(ev)
			switch ev.Type {
			case unifiedllm.ReasoningDelta:
				if ev.ReasoningDelta == "" {
					continue
				}
				if !reasoning {
					r.emit(Event{Type: EventReasoningStart})
					reasoning = true
				}
				r.emit(ReasoningEvent(ev.ReasoningDelta))

			case unifiedllm.TextDelta:
				if ev.Delta == "" {
					continue
				}
				endReasoning()
				r.emit(ContentEvent(ev.Delta))

			case unifiedllm.StreamError:
				if r.ctx.Err() != nil {
					return nil, r.ctx.Err()
				}
				endReasoning()
				return nil, r.modelError(mctx, acc.Err())

			case unifiedllm.StreamFinish:
				endReasoning()
				return acc.Result()
			}
		}
	}
}

func (r *run) modelError(mctx context.Context, err error) error {
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}
	if errors.Is(mctx.Err(), context.DeadlineExceeded) {
		return &ModelCallError{Err: fmt.Errorf("timed out after %s", r.cfg.ModelTimeout)}
	}
	return &ModelCallError{Err: err}
}

// pendingCall is a tool call ready for dispatch.
type pendingCall struct {
	id       string
	name     string
	args     map[string]any
	argError error
}

// prepareCalls assigns each call an id unique within the session and
// decodes its arguments. Unparsable arguments are kept as raw_arguments and
// the call is dispatched as a failure.
func prepareCalls(calls []unifiedllm.ToolCall, records []record.Record) []pendingCall {
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.Kind == record.KindToolCall {
			seen[rec.ToolCall.ToolCallID] = true
		}
	}

	out := make([]pendingCall, len(calls))
	for i, tc := range calls {
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true

		pc := pendingCall{id: id, name: tc.Name}
		switch {
		case tc.Arguments != nil:
			args, err := ParseToolArguments(tc.Arguments)
			if err != nil {
				pc.args = map[string]any{"raw_arguments": string(tc.Arguments)}
				pc.argError = err
			} else {
				pc.args = args
			}
		case strings.TrimSpace(tc.RawArguments) != "":
			pc.args = map[string]any{"raw_arguments": tc.RawArguments}
			pc.argError = errors.New("invalid tool arguments: not valid JSON")
		default:
			pc.args = map[string]any{}
		}
		out[i] = pc
	}
	return out
}

func (r *run) dispatch(c pendingCall) (bool, any) {
	l := r.loop
	if c.argError != nil {
		l.logger.Warn("tool arguments invalid", "session_id", r.sessionID, "tool", c.name, "error", c.argError)
		return false, errorResult(c.argError.Error())
	}

	start := time.Now()
	success, result := l.tools.Execute(r.ctx, c.name, c.args)
	l.logger.Debug("tool executed",
		"session_id", r.sessionID,
		"tool", c.name,
		"tool_call_id", c.id,
		"success", success,
		"duration", time.Since(start),
	)
	if !success {
		l.logger.Warn("tool failed", "session_id", r.sessionID, "tool", c.name, "result", ResultText(result))
	}
	return success, result
}
