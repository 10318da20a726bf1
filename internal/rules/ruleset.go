package rules

import (
	"context"
	"sort"

	"flowhook.app/automation/internal/model"
)

// RuleSet holds one scope's validated rules (global, or one tenant's),
// indexed by the topics they subscribe to. Immutable after construction;
// reloads swap the whole set.
type RuleSet struct {
	byTopic map[string][]*model.Rule
	topics  []string
}

// newRuleSet validates each rule and indexes the survivors by topic. Invalid
// rules are excluded whole, the evaluator alerts per violation.
func newRuleSet(ctx context.Context, ev *Evaluator, rules []model.Rule) *RuleSet {
	rs := &RuleSet{byTopic: make(map[string][]*model.Rule)}

	for i := range rules {
		rule := &rules[i]
		if !ev.ValidateRule(ctx, rule) {
			continue
		}
		for _, topic := range rule.Topics {
			rs.byTopic[topic] = append(rs.byTopic[topic], rule)
		}
	}

	// Priority descending; ties run in name order so execution is
	// deterministic across restarts.
	for topic, matched := range rs.byTopic {
		sort.SliceStable(matched, func(i, j int) bool {
			if matched[i].Priority != matched[j].Priority {
				return matched[i].Priority > matched[j].Priority
			}
			return matched[i].Name < matched[j].Name
		})
		rs.byTopic[topic] = matched
	}

	rs.topics = make([]string, 0, len(rs.byTopic))
	for topic := range rs.byTopic {
		rs.topics = append(rs.topics, topic)
	}
	sort.Strings(rs.topics)

	return rs
}

// Matching returns the rules subscribed to a topic, already ordered.
func (rs *RuleSet) Matching(topic string) []*model.Rule {
	return rs.byTopic[topic]
}

// Topics returns every topic this set subscribes to.
func (rs *RuleSet) Topics() []string {
	return rs.topics
}
