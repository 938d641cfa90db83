// Package sanitize maps arbitrary strings into identifiers that are safe to
// interpolate into queue names and stored-routine arguments. It is the sole
// trust boundary for namespace, node, task and job names.
package sanitize

import "strings"

// Identifier replaces every byte outside [A-Za-z0-9_\-:.] with '_'.
// Deterministic and idempotent.
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '_', c == '-', c == ':', c == '.':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// QueueName returns the main pgmq queue name for a namespace. Hyphens are
// mapped to underscores to stay bytewise compatible with the
// core.queue_name_for_namespace routine, which other producers rely on.
func QueueName(namespace string) string {
	return "core_events_" + strings.ReplaceAll(Identifier(namespace), "-", "_")
}

// DLQName returns the dead-letter queue name for a namespace.
func DLQName(namespace string) string {
	return QueueName(namespace) + "_dlq"
}
