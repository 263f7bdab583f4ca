package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Clock reports the current time in an optional IANA zone.
type Clock struct {
	Now func() time.Time
}

func NewClock() *Clock { return &Clock{Now: time.Now} }

func (c *Clock) Name() string        { return "getCurrentTime" }
func (c *Clock) NeedsApproval() bool { return false }

func (c *Clock) Description() string {
	return "Get the current date and time, optionally in a given IANA time zone such as Europe/Oslo."
}

func (c *Clock) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string"}
  },
  "additionalProperties": false
}`)
}

func (c *Clock) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("clock: decode input: %w", err)
		}
	}
	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("clock: unknown timezone %q", in.Timezone)
		}
		loc = l
	}
	now := c.Now().In(loc)
	return json.Marshal(map[string]string{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	})
}
