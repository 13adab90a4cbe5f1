package store

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/value"
)

func fields(kv ...any) *value.Fields {
	f := value.NewFields()
	for i := 0; i < len(kv); i += 2 {
		f.Set(kv[i].(string), value.MustCapture(kv[i+1]))
	}
	return f
}

func TestMerge(t *testing.T) {
	t.Parallel()

	open := &event.Event{
		EventID:   "s1",
		SessionID: "s1",
		Project:   "p",
		Source:    "dev",
		EventName: "chat",
		EventType: event.EventTypeSession,
		StartTime: 100,
		Inputs:    fields("q", "hi"),
		Metadata:  fields("a", 1, "b", 1),
	}
	enriched := &event.Event{
		EventID:        "s1",
		SessionID:      "s1",
		Project:        "other",
		EventName:      "renamed",
		EventType:      event.EventTypeSession,
		StartTime:      999,
		Metadata:       fields("b", 2, "c", 3),
		Feedback:       fields("rating", 5),
		UserProperties: fields("user", "u1"),
	}
	closed := &event.Event{
		EventID:   "s1",
		SessionID: "s1",
		EventType: event.EventTypeSession,
		EndTime:   200,
		Duration:  100,
		Status:    event.StatusOK,
		Outputs:   fields("answer", "hello"),
	}

	got := Merge(Merge(Merge(nil, open), enriched), closed)
	require.Equal(t, "p", got.Project)
	require.Equal(t, "chat", got.EventName)
	require.EqualValues(t, 100, got.StartTime)
	require.EqualValues(t, 200, got.EndTime)
	require.EqualValues(t, 100, got.Duration)
	require.Equal(t, event.StatusOK, got.Status)
	require.Equal(t, []string{"a", "b", "c"}, got.Metadata.Keys())
	require.True(t, got.Metadata.Equal(fields("a", 1, "b", 2, "c", 3)))
	require.True(t, got.Inputs.Equal(fields("q", "hi")))
	require.True(t, got.Outputs.Equal(fields("answer", "hello")))
	require.True(t, got.Feedback.Equal(fields("rating", 5)))
	require.True(t, got.UserProperties.Equal(fields("user", "u1")))

	// Inputs of the stored event are untouched.
	require.Equal(t, 2, open.Metadata.Len())
}

func TestMergeKeepsOutputsWhenAbsent(t *testing.T) {
	t.Parallel()

	span := &event.Event{EventID: "e", SessionID: "s", EventType: event.EventTypeChain, Outputs: fields("result", 42), Status: event.StatusOK, EndTime: 5}
	late := &event.Event{EventID: "e", SessionID: "s", EventType: event.EventTypeChain, Feedback: fields("thumbs", "up")}
	got := Merge(span, late)
	require.True(t, got.Outputs.Equal(fields("result", 42)))
	require.Equal(t, event.StatusOK, got.Status)
	require.EqualValues(t, 5, got.EndTime)
	require.True(t, got.Feedback.Equal(fields("thumbs", "up")))
}

func TestMergeLastWriteWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merged metadata holds the latest value of every key", prop.ForAll(
		func(first, second map[string]int) bool {
			a := &event.Event{EventID: "e", SessionID: "s", Metadata: value.NewFields()}
			for k, v := range first {
				a.Metadata.Set(k, value.Int(int64(v)))
			}
			b := &event.Event{EventID: "e", SessionID: "s", Metadata: value.NewFields()}
			for k, v := range second {
				b.Metadata.Set(k, value.Int(int64(v)))
			}
			got := Merge(a, b)
			want := map[string]int{}
			for k, v := range first {
				want[k] = v
			}
			for k, v := range second {
				want[k] = v
			}
			if got.Metadata.Len() != len(want) {
				return false
			}
			for k, v := range want {
				gv, ok := got.Metadata.Get(k)
				if !ok {
					return false
				}
				if n, _ := gv.AsInt64(); n != int64(v) {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.AlphaString(), gen.Int()),
		gen.MapOf(gen.AlphaString(), gen.Int()),
	))

	properties.TestingRun(t)
}
