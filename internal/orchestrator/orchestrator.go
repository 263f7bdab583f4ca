// Package orchestrator runs the model/tool loop of a single turn and turns it
// into one ordered event stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/suPer8Hu/turn-gateway/internal/ai"
	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/metrics"
	"github.com/suPer8Hu/turn-gateway/internal/tools"
)

const (
	DefaultMaxSteps = 8
	DefaultSystem   = "You are a friendly assistant! Keep your responses concise and helpful."

	billingMessage = "AI Gateway requires a valid credit card on file to service requests."
	offlineMessage = "The model is unavailable right now. Please try again later."
	interrupted    = "tool call was interrupted before it finished"
)

type Config struct {
	MaxSteps int
	System   string
}

type Orchestrator struct {
	executor *tools.Executor
	config   Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(executor *tools.Executor, config Config, m *metrics.Metrics) *Orchestrator {
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	if config.System == "" {
		config.System = DefaultSystem
	}
	return &Orchestrator{executor: executor, config: config, metrics: m, now: time.Now}
}

// Decision is a user's answer to one approval request.
type Decision struct {
	ApprovalID string
	Approved   bool
	Reason     string
}

// Turn is everything one run needs.
type Turn struct {
	ChatID string
	// AssistantID names the assistant message a fresh turn produces.
	AssistantID string
	// History is the persisted conversation, oldest first.
	History []chat.Message
	// Decisions makes the turn an approval resumption.
	Decisions []Decision

	Provider  ai.Provider
	Reasoning bool
	// Tools offered to the model; nil offers none.
	Tools *tools.Set
	Debug bool

	// Checkpoint stores the message before approved tools run so that a
	// retried resumption never runs them twice.
	Checkpoint func(ctx context.Context, m chat.Message) error
}

// Plan is a validated turn ready to run.
type Plan struct {
	turn    Turn
	context []chat.Message
	message chat.Message
	resumed bool
}

func (p *Plan) Resumed() bool { return p.resumed }

// MessageID is the id of the assistant message the run will write.
func (p *Plan) MessageID() string { return p.message.ID }

type Result struct {
	Message      chat.Message
	FinishReason string
	Resumed      bool
	Steps        int
	// Err is the model failure that ended the turn, if any.
	Err error
}

// Prepare validates t without side effects. A resumption continues the last
// assistant message; every decision must name an approval on that message.
func (o *Orchestrator) Prepare(t Turn) (*Plan, error) {
	if len(t.Decisions) == 0 {
		if t.AssistantID == "" {
			return nil, apperr.New(apperr.BadRequest, "missing assistant message id")
		}
		return &Plan{
			turn:    t,
			context: t.History,
			message: chat.Message{
				ID:        t.AssistantID,
				ChatID:    t.ChatID,
				Role:      chat.RoleAssistant,
				CreatedAt: o.now(),
			},
		}, nil
	}

	last := len(t.History) - 1
	if last < 0 || t.History[last].Role != chat.RoleAssistant {
		return nil, apperr.New(apperr.BadRequest, "no assistant message awaiting approval")
	}
	msg := t.History[last].Clone()
	for _, d := range t.Decisions {
		if msg.ApprovalPart(d.ApprovalID) == nil {
			return nil, apperr.New(apperr.BadRequest, "unknown approval id "+d.ApprovalID)
		}
	}
	return &Plan{turn: t, context: t.History[:last], message: msg, resumed: true}, nil
}

type run struct {
	o       *Orchestrator
	turn    Turn
	emit    func(Event)
	context []chat.Message
	msg     chat.Message
	steps   int
	err     error
}

// Run executes the plan, calling emit for every event up to but excluding
// the finish event. emit is only ever called from the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, p *Plan, emit func(Event)) Result {
	r := &run{o: o, turn: p.turn, emit: emit, context: p.context, msg: p.message.Clone()}
	emit(Event{Type: EventStart, MessageID: r.msg.ID})

	reason := ""
	if p.resumed {
		closed := r.closeStale()
		answered := r.applyDecisions(ctx)
		switch {
		case r.pendingApprovals():
			reason = FinishApprovalRequested
		case !answered && !closed:
			// replayed decisions; the stored message is already final
			reason = FinishStop
		}
	}

	for reason == "" {
		switch {
		case ctx.Err() != nil:
			reason = FinishCanceled
		case r.steps >= o.config.MaxSteps:
			reason = FinishStepLimit
		default:
			reason = r.step(ctx)
		}
	}

	r.closeStale()
	return Result{
		Message:      r.msg,
		FinishReason: reason,
		Resumed:      p.resumed,
		Steps:        r.steps,
		Err:          r.err,
	}
}

// step runs one model call and the tools it requested. It returns "" when
// the loop should continue.
func (r *run) step(ctx context.Context) string {
	r.steps++
	r.msg.Parts = append(r.msg.Parts, chat.Part{Type: chat.PartStepStart})
	stepStart := len(r.msg.Parts)
	r.emit(Event{Type: EventStartStep})

	history := make([]chat.Message, 0, len(r.context)+1)
	history = append(history, r.context...)
	history = append(history, r.msg)
	req := &ai.Request{
		System:    r.o.config.System,
		Messages:  modelMessages(history),
		Tools:     r.turn.Tools.Specs(),
		Reasoning: r.turn.Reasoning,
	}
	if r.turn.Debug {
		names := make([]string, 0, len(req.Tools))
		for _, t := range req.Tools {
			names = append(names, t.Name)
		}
		r.emit(Event{Type: EventDebug, Data: map[string]any{
			"step":      r.steps,
			"messages":  len(req.Messages),
			"tools":     names,
			"reasoning": req.Reasoning,
		}})
	}

	chunks, errs := r.turn.Provider.Stream(ctx, req)
	var calls []string
	modelReason := ""
	for c := range chunks {
		switch {
		case c.Reasoning != "":
			r.appendReasoning(stepStart, c.Reasoning)
		case c.Text != "":
			r.appendText(stepStart, c.Text)
		case c.ToolCall != nil:
			if id, ok := r.addToolCall(*c.ToolCall); ok {
				calls = append(calls, id)
			}
		case c.FinishReason != "":
			modelReason = c.FinishReason
		}
	}
	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			return FinishCanceled
		}
		r.fail(err)
		return FinishError
	}
	r.emit(Event{Type: EventFinishStep})

	if len(calls) == 0 && !r.hasToolParts(stepStart) {
		if modelReason == "length" {
			return FinishLength
		}
		return FinishStop
	}

	r.runTools(ctx, calls)
	if ctx.Err() != nil {
		return FinishCanceled
	}
	if r.pendingApprovals() {
		return FinishApprovalRequested
	}
	return ""
}

// appendReasoning keeps one reasoning part per step, placed before the
// step's other parts.
func (r *run) appendReasoning(stepStart int, delta string) {
	if stepStart < len(r.msg.Parts) && r.msg.Parts[stepStart].Type == chat.PartReasoning {
		r.msg.Parts[stepStart].Text += delta
	} else {
		parts := make([]chat.Part, 0, len(r.msg.Parts)+1)
		parts = append(parts, r.msg.Parts[:stepStart]...)
		parts = append(parts, chat.Part{Type: chat.PartReasoning, Text: delta})
		parts = append(parts, r.msg.Parts[stepStart:]...)
		r.msg.Parts = parts
	}
	r.emit(Event{Type: EventReasoningDelta, Delta: delta})
}

func (r *run) appendText(stepStart int, delta string) {
	n := len(r.msg.Parts)
	if n > stepStart && r.msg.Parts[n-1].Type == chat.PartText {
		r.msg.Parts[n-1].Text += delta
	} else {
		r.msg.Parts = append(r.msg.Parts, chat.Part{Type: chat.PartText, Text: delta})
	}
	r.emit(Event{Type: EventTextDelta, Delta: delta})
}

// addToolCall records a completed tool call. It reports false when the call
// was rejected before execution.
func (r *run) addToolCall(tc ai.ToolCall) (string, bool) {
	id := tc.ID
	if id == "" || r.msg.ToolPart(id) != nil {
		id = "call_" + strings.ToLower(ulid.Make().String())
	}
	input := tc.Arguments
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	r.msg.Parts = append(r.msg.Parts, chat.Part{
		Type:       chat.PartTool,
		ToolCallID: id,
		ToolName:   tc.Name,
		State:      chat.StateInputStreaming,
		Input:      input,
	})
	r.emit(toolEvent(*r.msg.ToolPart(id)))
	r.transition(id, chat.StateInputAvailable, nil)

	if err := r.turn.Tools.Validate(tc.Name, input); err != nil {
		r.transition(id, chat.StateOutputError, func(p *chat.Part) { p.ErrorText = err.Error() })
		r.o.metrics.ToolFinished(tc.Name, string(chat.StateOutputError), 0)
		return id, false
	}
	return id, true
}

func (r *run) hasToolParts(from int) bool {
	for _, p := range r.msg.Parts[from:] {
		if p.Type == chat.PartTool {
			return true
		}
	}
	return false
}

// runTools gates calls that need approval and executes the rest.
func (r *run) runTools(ctx context.Context, callIDs []string) {
	var runnable []tools.Call
	for _, id := range callIDs {
		p := r.msg.ToolPart(id)
		prov, _ := r.turn.Tools.Lookup(p.ToolName)
		if prov != nil && prov.NeedsApproval() {
			approvalID := ulid.Make().String()
			r.transition(id, chat.StateApprovalRequested, func(p *chat.Part) {
				p.Approval = &chat.Approval{ID: approvalID}
			})
			continue
		}
		runnable = append(runnable, tools.Call{ID: id, Name: p.ToolName, Input: p.Input})
	}
	r.execute(ctx, runnable)
}

func (r *run) execute(ctx context.Context, calls []tools.Call) {
	if len(calls) == 0 {
		return
	}
	for u := range r.o.executor.Execute(ctx, r.turn.Tools, calls) {
		id := u.Call.ID
		switch u.Phase {
		case tools.PhaseStarted:
			if p := r.msg.ToolPart(id); p != nil && p.State != chat.StateExecuting {
				r.transition(id, chat.StateExecuting, nil)
			}
		case tools.PhaseFinished:
			if u.Err != nil {
				r.transition(id, chat.StateOutputError, func(p *chat.Part) { p.ErrorText = u.Err.Error() })
				r.o.metrics.ToolFinished(u.Call.Name, string(chat.StateOutputError), u.Duration)
				continue
			}
			r.transition(id, chat.StateOutputAvailable, func(p *chat.Part) { p.Output = u.Output })
			r.o.metrics.ToolFinished(u.Call.Name, string(chat.StateOutputAvailable), u.Duration)
		}
	}
}

// applyDecisions answers pending approvals and reports whether any was
// answered. Decisions on parts that already left approval-requested are ignored.
func (r *run) applyDecisions(ctx context.Context) bool {
	answered := false
	var approved []tools.Call
	for _, d := range r.turn.Decisions {
		p := r.msg.ApprovalPart(d.ApprovalID)
		if p == nil || p.State != chat.StateApprovalRequested {
			continue
		}
		answered = true
		id := p.ToolCallID
		ok := d.Approved
		r.transition(id, chat.StateApprovalResponded, func(p *chat.Part) {
			p.Approval.Approved = &ok
			p.Approval.Reason = d.Reason
		})
		if !ok {
			r.transition(id, chat.StateOutputDenied, nil)
			r.o.metrics.ToolFinished(p.ToolName, string(chat.StateOutputDenied), 0)
			continue
		}
		approved = append(approved, tools.Call{ID: id, Name: p.ToolName, Input: p.Input})
	}
	if len(approved) == 0 {
		return answered
	}

	for _, c := range approved {
		r.transition(c.ID, chat.StateExecuting, nil)
	}
	if r.turn.Checkpoint != nil {
		snapshot := r.msg.Clone()
		snapshot.ChatID = r.turn.ChatID
		if err := r.turn.Checkpoint(ctx, snapshot); err != nil {
			slog.Error("checkpoint before tool execution failed", "chat_id", r.turn.ChatID, "err", err)
			for _, c := range approved {
				r.transition(c.ID, chat.StateOutputError, func(p *chat.Part) {
					p.ErrorText = "could not record the approval; the tool was not run"
				})
			}
			return answered
		}
	}
	r.execute(ctx, approved)
	return answered
}

func (r *run) pendingApprovals() bool {
	for _, p := range r.msg.Parts {
		if p.Type == chat.PartTool && p.State == chat.StateApprovalRequested {
			return true
		}
	}
	return false
}

// closeStale moves tool parts stuck mid-lifecycle to output-error and reports
// whether it closed any. Parts awaiting approval stay open.
func (r *run) closeStale() bool {
	closed := false
	for _, p := range r.msg.Parts {
		if p.Type != chat.PartTool || p.State.Terminal() || p.State == chat.StateApprovalRequested {
			continue
		}
		r.transition(p.ToolCallID, chat.StateOutputError, func(p *chat.Part) { p.ErrorText = interrupted })
		closed = true
	}
	return closed
}

// transition moves a tool part and emits the new state.
func (r *run) transition(callID string, to chat.ToolState, mutate func(*chat.Part)) {
	p := r.msg.ToolPart(callID)
	if p == nil {
		slog.Error("transition on unknown tool part", "tool_call_id", callID)
		return
	}
	if err := p.Transition(to); err != nil {
		slog.Error("tool state transition rejected", "err", err)
		return
	}
	if mutate != nil {
		mutate(p)
	}
	r.emit(toolEvent(*p))
}

func (r *run) fail(err error) {
	r.err = err
	kind, msg := apperr.Offline, offlineMessage
	if ai.IsBillingError(err) {
		kind, msg = apperr.GatewayBillingRequired, billingMessage
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		kind, msg = ae.Kind, ae.Message
	}
	slog.Warn("model step failed", "chat_id", r.turn.ChatID, "step", r.steps, "kind", kind, "err", err)
	r.emit(Event{Type: EventError, Kind: kind, ErrorText: msg})
}
