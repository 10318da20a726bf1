package model

// CheckKind classifies the result set of a condition query.
type CheckKind string

const (
	// CheckAny passes when the query matched at least one value.
	CheckAny CheckKind = "any"
	// CheckNone passes when the query matched nothing.
	CheckNone CheckKind = "none"
	// CheckSingle passes when the query matched exactly one value.
	CheckSingle CheckKind = "single"
)

// Rule is a named, validated automation definition loaded from content.
// A rule is either fully valid, with every referenced appender and action
// resolvable, or it is excluded from dispatch entirely.
type Rule struct {
	Name       string          `json:"name" yaml:"name"`
	Topics     []string        `json:"topics" yaml:"topics"`
	Priority   int             `json:"priority" yaml:"priority"` // higher runs first; ties are unordered
	Conditions []RuleCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions    []RuleAction    `json:"actions,omitempty" yaml:"actions,omitempty"`
	EventTags  []string        `json:"event_tags,omitempty" yaml:"event_tags,omitempty"`
	Comment    string          `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// RuleCondition is one boolean test in a rule's AND chain. Conditions
// evaluate in declared order with short-circuit.
type RuleCondition struct {
	Query        string    `json:"query" yaml:"query"` // JSONPath over the event's rule view
	Check        CheckKind `json:"check" yaml:"check"`
	Negate       bool      `json:"negate,omitempty" yaml:"negate,omitempty"`
	AppendBefore []Append  `json:"append_before,omitempty" yaml:"append_before,omitempty"`
}

// RuleAction is one step of a rule's action sequence. All actions for a
// single rule triggering share one transaction.
type RuleAction struct {
	Action       string         `json:"action" yaml:"action"`
	ResultName   string         `json:"result_name,omitempty" yaml:"result_name,omitempty"`
	Args         map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	SealEvents   bool           `json:"seal_events,omitempty" yaml:"seal_events,omitempty"`
	AppendBefore []Append       `json:"append_before,omitempty" yaml:"append_before,omitempty"`
	AppendAfter  []Append       `json:"append_after,omitempty" yaml:"append_after,omitempty"`
}

// Append names an appender invocation: the enricher to run and the Appendix
// key it should write.
type Append struct {
	Appender   string         `json:"appender" yaml:"appender"`
	ResultName string         `json:"result_name" yaml:"result_name"`
	Args       map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}
