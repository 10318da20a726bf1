package rules

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"flowhook.app/automation/internal/model"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// AppendixKey is the well-known rule-view key under which appenders stash
// computed values for later conditions and actions to read.
const AppendixKey = "Appendix"

// View is the JSON rule view of one event: the payload document flattened to
// the root, envelope fields layered on top, and a fresh Appendix. It lives
// for a single evaluation and is never persisted.
type View struct {
	doc map[string]any
}

// NewView builds the rule view for an event. Envelope fields win over
// payload keys of the same name; the Appendix starts empty.
func NewView(e *model.Event) (*View, error) {
	doc := make(map[string]any)
	if len(e.Payload) > 0 {
		if err := jsonCodec.Unmarshal(e.Payload, &doc); err != nil {
			return nil, fmt.Errorf("event %d payload is not a JSON object: %w", e.ID, err)
		}
	}

	doc["Id"] = e.ID
	doc["Topic"] = e.Topic
	doc["Origin"] = e.Origin
	if e.Action != nil {
		doc["Action"] = *e.Action
	}
	if e.TargetUser != nil {
		doc["TargetUser"] = *e.TargetUser
	}
	if len(e.Tags) > 0 {
		tags := make([]any, len(e.Tags))
		for i, t := range e.Tags {
			tags[i] = t
		}
		doc["Tags"] = tags
	}
	doc["TenantId"] = e.TenantID
	doc[AppendixKey] = make(map[string]any)

	return &View{doc: doc}, nil
}

// Doc returns the underlying document for query evaluation.
func (v *View) Doc() any {
	return v.doc
}

// Append writes a named value into the Appendix.
func (v *View) Append(name string, value any) {
	v.appendix()[name] = value
}

// AppendixValue reads a named value from the Appendix.
func (v *View) AppendixValue(name string) (any, bool) {
	value, ok := v.appendix()[name]
	return value, ok
}

func (v *View) appendix() map[string]any {
	appendix, ok := v.doc[AppendixKey].(map[string]any)
	if !ok {
		appendix = make(map[string]any)
		v.doc[AppendixKey] = appendix
	}
	return appendix
}
