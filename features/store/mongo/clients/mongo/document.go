package mongo

import (
	"encoding/json"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/value"
)

// eventDocument is the stored form of an event. Field maps are kept as BSON
// documents with escaped keys.
type eventDocument struct {
	EventID        string  `bson:"event_id"`
	SessionID      string  `bson:"session_id"`
	ParentID       string  `bson:"parent_id,omitempty"`
	Project        string  `bson:"project"`
	Source         string  `bson:"source"`
	EventName      string  `bson:"event_name"`
	EventType      string  `bson:"event_type"`
	StartTime      int64   `bson:"start_time"`
	EndTime        int64   `bson:"end_time,omitempty"`
	Duration       float64 `bson:"duration,omitempty"`
	Inputs         bson.D  `bson:"inputs,omitempty"`
	Outputs        bson.D  `bson:"outputs,omitempty"`
	Config         bson.D  `bson:"config,omitempty"`
	Metadata       bson.D  `bson:"metadata,omitempty"`
	Feedback       bson.D  `bson:"feedback,omitempty"`
	Metrics        bson.D  `bson:"metrics,omitempty"`
	UserProperties bson.D  `bson:"user_properties,omitempty"`
	Status         string  `bson:"status,omitempty"`
	Error          string  `bson:"error,omitempty"`
}

type namedFields struct {
	name   string
	fields *value.Fields
}

// mergedMaps lists the event maps merged key by key on upsert.
func mergedMaps(e *event.Event) []namedFields {
	return []namedFields{
		{"inputs", e.Inputs},
		{"config", e.Config},
		{"metadata", e.Metadata},
		{"feedback", e.Feedback},
		{"metrics", e.Metrics},
		{"user_properties", e.UserProperties},
	}
}

func (d *eventDocument) toEvent() *event.Event {
	e := &event.Event{
		EventID:   d.EventID,
		SessionID: d.SessionID,
		ParentID:  d.ParentID,
		Project:   d.Project,
		Source:    d.Source,
		EventName: d.EventName,
		EventType: event.EventType(d.EventType),
		StartTime: d.StartTime,
		EndTime:   d.EndTime,
		Duration:  d.Duration,
		Inputs:    fieldsFromBSON(d.Inputs),
		Outputs:   fieldsFromBSON(d.Outputs),
		Config:    fieldsFromBSON(d.Config),
		Metadata:  fieldsFromBSON(d.Metadata),
		Feedback:  fieldsFromBSON(d.Feedback),
		Metrics:   fieldsFromBSON(d.Metrics),
		Status:    event.Status(d.Status),
		Error:     d.Error,
	}
	if len(d.UserProperties) > 0 {
		e.UserProperties = fieldsFromBSON(d.UserProperties)
	}
	return e
}

var (
	keyEscaper   = strings.NewReplacer("%", "%25", ".", "%2E")
	keyUnescaper = strings.NewReplacer("%2E", ".", "%24", "$", "%25", "%")
)

// escapeKey makes a field name safe to use as a BSON key and update path.
func escapeKey(k string) string {
	k = keyEscaper.Replace(k)
	if strings.HasPrefix(k, "$") {
		k = "%24" + k[1:]
	}
	return k
}

func unescapeKey(k string) string {
	if !strings.Contains(k, "%") {
		return k
	}
	return keyUnescaper.Replace(k)
}

func fieldsToBSON(f *value.Fields) bson.D {
	out := make(bson.D, 0, f.Len())
	for _, k := range f.Keys() {
		v, _ := f.Get(k)
		out = append(out, bson.E{Key: escapeKey(k), Value: toBSON(v)})
	}
	return out
}

func toBSON(v value.Value) any {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.AsBool()
		return b
	case value.KindString:
		s, _ := v.AsString()
		return s
	case value.KindNumber:
		if n, ok := v.AsInt64(); ok {
			return n
		}
		if d, ok := bigInteger(v); ok {
			return d
		}
		f, _ := v.AsFloat64()
		return f
	case value.KindArray:
		items := v.Items()
		out := make(bson.A, len(items))
		for i, item := range items {
			out[i] = toBSON(item)
		}
		return out
	case value.KindObject:
		return fieldsToBSON(v.Fields())
	default:
		return nil
	}
}

// bigInteger keeps integers beyond the int64 range exact.
func bigInteger(v value.Value) (bson.Decimal128, bool) {
	raw, err := v.MarshalJSON()
	if err != nil || strings.ContainsAny(string(raw), ".eE") {
		return bson.Decimal128{}, false
	}
	d, err := bson.ParseDecimal128(string(raw))
	if err != nil {
		return bson.Decimal128{}, false
	}
	return d, true
}

func fieldsFromBSON(d bson.D) *value.Fields {
	f := value.NewFields()
	for _, e := range d {
		f.Set(unescapeKey(e.Key), fromBSON(e.Value))
	}
	return f
}

func fromBSON(v any) value.Value {
	switch x := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(x)
	case string:
		return value.String(x)
	case int32:
		return value.Int(int64(x))
	case int64:
		return value.Int(x)
	case float64:
		return value.Float(x)
	case bson.Decimal128:
		return value.Number(json.Number(x.String()))
	case bson.D:
		return value.Object(fieldsFromBSON(x))
	case bson.A:
		items := make([]value.Value, len(x))
		for i, item := range x {
			items[i] = fromBSON(item)
		}
		return value.Array(items...)
	default:
		captured, _ := value.Capture(x)
		return captured
	}
}
