package events

import "strings"

// matchTopic matches dotted event types against glob patterns where "*"
// matches exactly one segment: "stage.*.completed" matches
// "stage.extract.completed" but not "stage.completed". A bare "*" as the
// whole pattern matches everything.
func matchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}

	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
