package event

// Match reports whether an event with the given category and type passes a
// subscription filter. An empty filter subscribes to everything. Each pattern
// matches field-exact: a bare category ("notification") or its wildcard form
// ("notification.*") matches every type in that category, and
// "notification.dismissed" matches only that type. There is no substring
// matching, so "notification" never matches a "user" event by coincidence.
func Match(patterns []string, category, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == category || p == category+".*" || p == category+"."+eventType {
			return true
		}
	}
	return false
}
