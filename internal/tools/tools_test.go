package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name     string
	approval bool
	invoke   func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake " + f.name }
func (f *fakeTool) NeedsApproval() bool     { return f.approval }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f.invoke(ctx, input)
}

func collect(ch <-chan Update) map[string][]Update {
	out := map[string][]Update{}
	for u := range ch {
		out[u.Call.ID] = append(out[u.Call.ID], u)
	}
	return out
}

func TestRegistry_SetsAndSpecs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewWeather()))
	require.NoError(t, r.Register(NewClock()))
	assert.Error(t, r.Register(NewClock()), "duplicate name")

	all := r.Set()
	assert.Equal(t, 2, all.Len())
	specs := all.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "getCurrentTime", specs[0].Name)
	assert.Equal(t, "getWeather", specs[1].Name)

	only := r.Set("getWeather", "missing")
	assert.Equal(t, 1, only.Len())
	_, ok := only.Lookup("getCurrentTime")
	assert.False(t, ok)

	var none *Set
	assert.Equal(t, 0, none.Len())
	assert.Nil(t, none.Specs())
}

func TestSet_Validate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewWeather())
	s := r.Set()

	assert.NoError(t, s.Validate("getWeather", json.RawMessage(`{"city":"Oslo"}`)))
	assert.NoError(t, s.Validate("getWeather", json.RawMessage(`{"latitude":1,"longitude":2}`)))
	assert.ErrorIs(t, s.Validate("getWeather", json.RawMessage(`{"latitude":1}`)), ErrInvalidInput)
	assert.ErrorIs(t, s.Validate("getWeather", json.RawMessage(`{"latitude":"x","longitude":2}`)), ErrInvalidInput)
	assert.ErrorIs(t, s.Validate("getWeather", json.RawMessage(`not json`)), ErrInvalidInput)
	assert.ErrorIs(t, s.Validate("nope", nil), ErrUnknownTool)
}

func TestExecutor_RespectsConcurrency(t *testing.T) {
	var running, peak atomic.Int64
	tool := &fakeTool{name: "slow", invoke: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return json.RawMessage(`"ok"`), nil
	}}
	r := NewRegistry()
	r.MustRegister(tool)

	calls := make([]Call, 6)
	for i := range calls {
		calls[i] = Call{ID: string(rune('a' + i)), Name: "slow"}
	}
	got := collect(NewExecutor(ExecConfig{Concurrency: 2}).Execute(context.Background(), r.Set(), calls))

	assert.Len(t, got, 6)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	for _, ups := range got {
		require.Len(t, ups, 2)
		assert.Equal(t, PhaseStarted, ups[0].Phase)
		assert.Equal(t, PhaseFinished, ups[1].Phase)
		assert.JSONEq(t, `"ok"`, string(ups[1].Output))
	}
}

func TestExecutor_TimeoutErrorAndPanic(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&fakeTool{name: "hang", invoke: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	r.MustRegister(&fakeTool{name: "fail", invoke: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}})
	r.MustRegister(&fakeTool{name: "panic", invoke: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("oops")
	}})

	ex := NewExecutor(ExecConfig{Timeout: 30 * time.Millisecond})
	got := collect(ex.Execute(context.Background(), r.Set(), []Call{
		{ID: "1", Name: "hang"},
		{ID: "2", Name: "fail"},
		{ID: "3", Name: "panic"},
		{ID: "4", Name: "missing"},
	}))

	last := func(id string) Update { u := got[id]; return u[len(u)-1] }
	assert.True(t, last("1").TimedOut)
	assert.ErrorContains(t, last("1").Err, "timed out")
	assert.EqualError(t, last("2").Err, "boom")
	assert.ErrorContains(t, last("3").Err, "panicked")
	assert.ErrorIs(t, last("4").Err, ErrUnknownTool)
}

func TestExecutor_CanceledContext(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&fakeTool{name: "hang", invoke: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	ch := NewExecutor(ExecConfig{}).Execute(ctx, r.Set(), []Call{{ID: "x", Name: "hang"}})
	cancel()

	got := collect(ch)
	ups := got["x"]
	final := ups[len(ups)-1]
	assert.Equal(t, PhaseFinished, final.Phase)
	assert.False(t, final.TimedOut)
	assert.ErrorContains(t, final.Err, "canceled")
}

func TestWeather_GeocodesCity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Oslo", r.URL.Query().Get("name"))
		_, _ = w.Write([]byte(`{"results":[{"latitude":59.91,"longitude":10.75}]}`))
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "59.9100", r.URL.Query().Get("latitude"))
		_, _ = w.Write([]byte(`{"current_weather":{"temperature":4.5,"windspeed":3.2,"weathercode":3,"time":"2026-01-02T10:00"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	w := &Weather{ForecastURL: srv.URL + "/forecast", GeocodingURL: srv.URL + "/geo", Client: srv.Client()}
	out, err := w.Invoke(context.Background(), json.RawMessage(`{"city":"Oslo"}`))
	require.NoError(t, err)

	var decoded weatherOutput
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, 4.5, decoded.Temperature)
	assert.Equal(t, "Oslo", decoded.City)
	assert.True(t, w.NeedsApproval())
}

func TestWeather_UnknownCity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	t.Cleanup(srv.Close)

	w := &Weather{ForecastURL: srv.URL, GeocodingURL: srv.URL, Client: srv.Client()}
	_, err := w.Invoke(context.Background(), json.RawMessage(`{"city":"Atlantis"}`))
	assert.ErrorContains(t, err, "no location")
}

func TestClock(t *testing.T) {
	c := &Clock{Now: func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) }}
	out, err := c.Invoke(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"time":"2026-03-04T12:00:00Z","timezone":"UTC","weekday":"Wednesday"}`, string(out))

	_, err = c.Invoke(context.Background(), json.RawMessage(`{"timezone":"Mars/Base"}`))
	assert.Error(t, err)
}
