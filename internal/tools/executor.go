package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type ExecConfig struct {
	// Concurrency caps parallel invocations. Default 4.
	Concurrency int
	// Timeout bounds each invocation. Default 30s.
	Timeout time.Duration
}

type Executor struct {
	config ExecConfig
}

func NewExecutor(config ExecConfig) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Executor{config: config}
}

type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type Phase int

const (
	PhaseStarted Phase = iota
	PhaseFinished
)

type Update struct {
	Call     Call
	Phase    Phase
	Output   json.RawMessage
	Err      error
	TimedOut bool
	Duration time.Duration
}

// Execute runs calls concurrently and reports progress on the returned
// channel, which is closed once every call has finished. A call whose slot
// never frees before ctx ends finishes without a PhaseStarted update.
func (e *Executor) Execute(ctx context.Context, set *Set, calls []Call) <-chan Update {
	out := make(chan Update, 2*len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for _, c := range calls {
		wg.Add(1)
		go func(call Call) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				out <- Update{Call: call, Phase: PhaseFinished, Err: errors.New("tool execution canceled")}
				return
			}

			out <- Update{Call: call, Phase: PhaseStarted}

			start := time.Now()
			toolCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
			output, timedOut, err := e.invoke(toolCtx, set, call)
			cancel()

			out <- Update{
				Call:     call,
				Phase:    PhaseFinished,
				Output:   output,
				Err:      err,
				TimedOut: timedOut,
				Duration: time.Since(start),
			}
		}(c)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (e *Executor) invoke(ctx context.Context, set *Set, call Call) (json.RawMessage, bool, error) {
	p, ok := set.Lookup(call.Name)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if rec := recover(); rec != nil {
				r = result{err: fmt.Errorf("tool %s panicked: %v", call.Name, rec)}
			}
			if ctx.Err() != nil {
				slog.Warn("tool finished after deadline, result discarded",
					"tool", call.Name,
					"tool_call_id", call.ID,
				)
			}
			done <- r
		}()
		r.output, r.err = p.Invoke(ctx, call.Input)
	}()

	var r result
	select {
	case <-ctx.Done():
	case r = <-done:
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, true, fmt.Errorf("tool execution timed out after %v", e.config.Timeout)
		}
		return nil, false, errors.New("tool execution canceled")
	}
	if r.err != nil {
		return nil, false, r.err
	}
	if len(r.output) == 0 {
		r.output = json.RawMessage("null")
	}
	return r.output, false, nil
}
