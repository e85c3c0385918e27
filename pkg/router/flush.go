package router

import (
	"strings"

	"arbiter/pkg/proto"
)

// Section headers the Manager's instructions are written against. The «»
// delimiters and the bullet/blank-line layout are a plain-text contract with
// the Manager role prompt, not a machine-parsed format. Change one and the
// other must change with it.
const (
	headerWorkLog           = "«Work Log (no response needed)»"
	headerAwaitingInput     = "«Awaiting Input»"
	headerHandoff           = "«Handoff»"
	headerHumanInterjection = "«Human Interjection»"
	headerTimeout           = "«TIMEOUT»"
)

func sectionHeader(trigger proto.TriggerType) string {
	switch trigger {
	case proto.TriggerHandoff:
		return headerHandoff
	case proto.TriggerHuman:
		return headerHumanInterjection
	case proto.TriggerTimeout:
		return headerTimeout
	default:
		return headerAwaitingInput
	}
}

// formatFlush composes the single string delivered to the Manager when a
// Worker's queue is released: the queued work log first (if any), then the
// triggering message under its trigger-specific header.
func formatFlush(trigger proto.TriggerType, queued []string, message string) string {
	var b strings.Builder

	if len(queued) > 0 {
		b.WriteString(headerWorkLog)
		b.WriteByte('\n')
		for _, line := range queued {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	b.WriteString(sectionHeader(trigger))
	b.WriteByte('\n')
	b.WriteString(message)
	return b.String()
}
