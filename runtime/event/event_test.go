package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-trace/runtime/value"
)

func TestEnvelopeFields(t *testing.T) {
	t.Parallel()

	in := value.NewFields()
	in.Set("x", value.Int(21))
	e := &Event{
		EventID:   "span-1",
		SessionID: "sess-1",
		Project:   "demo",
		Source:    "dev",
		EventName: "f",
		EventType: EventTypeChain,
		StartTime: 1000,
		EndTime:   1250,
		Duration:  250,
		Inputs:    in,
		Status:    StatusOK,
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, key := range []string{
		"project", "source", "event_name", "event_type", "session_id", "duration",
		"inputs", "outputs", "config", "metadata", "status",
	} {
		require.Contains(t, raw, key)
	}
	require.NotContains(t, raw, "parent_id")
	require.NotContains(t, raw, "error")
	require.Equal(t, map[string]any{}, raw["outputs"])
	require.Equal(t, map[string]any{"x": float64(21)}, raw["inputs"])

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, e.Key(), back.Key())
	require.True(t, e.Inputs.Equal(back.Inputs))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   Event
		want error
	}{
		{"ok", Event{EventID: "a", SessionID: "s", EventType: EventTypeTool, Status: StatusOK}, nil},
		{"open span", Event{EventID: "a", SessionID: "s", EventType: EventTypeModel}, nil},
		{"missing id", Event{SessionID: "s", EventType: EventTypeTool}, ErrMissingID},
		{"missing session", Event{EventID: "a", EventType: EventTypeTool}, ErrMissingID},
		{"bad type", Event{EventID: "a", SessionID: "s", EventType: "llm"}, ErrInvalidType},
		{"bad status", Event{EventID: "a", SessionID: "s", EventType: EventTypeChain, Status: "done"}, ErrInvalidStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.ev.Validate()
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	md := value.NewFields()
	md.Set("k", value.String("v"))
	e := &Event{EventID: "a", SessionID: "s", Metadata: md}
	c := e.Clone()
	md.Set("k", value.String("changed"))

	got, ok := c.Metadata.Get("k")
	require.True(t, ok)
	s, _ := got.AsString()
	require.Equal(t, "v", s)
	require.NotNil(t, c.Inputs)
	require.Nil(t, c.UserProperties)
}

func TestDurationMillis(t *testing.T) {
	t.Parallel()
	require.InDelta(t, 1.5, DurationMillis(1500*time.Microsecond), 1e-9)
	require.Equal(t, int64(0), Millis(time.Unix(0, 0)))
}
