package mailbox

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Format renders messages as a human-readable block grouped by type,
// preserving order within each group. Returns "" for no messages.
func Format(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	groups := make(map[MessageType][]Message)
	var typeOrder []MessageType
	for _, msg := range messages {
		if _, exists := groups[msg.Type]; !exists {
			typeOrder = append(typeOrder, msg.Type)
		}
		groups[msg.Type] = append(groups[msg.Type], msg)
	}

	var b strings.Builder
	for i, mt := range typeOrder {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", strings.ToUpper(string(mt)))
		for _, msg := range groups[mt] {
			fmt.Fprintf(&b, "  %s  from %s (#%d)\n", msg.Timestamp.Format(time.RFC3339), msg.From, msg.Seq)
			if msg.Body != "" {
				fmt.Fprintf(&b, "  %s\n", msg.Body)
			}
			if len(msg.Metadata) > 0 {
				fmt.Fprintf(&b, "  %s\n", formatMetadata(msg.Metadata))
			}
		}
	}
	return b.String()
}

// FilterOptions controls which messages Filter keeps.
type FilterOptions struct {
	Types       []MessageType // Only include these types (empty = all)
	Since       time.Time     // Only messages after this time (zero = all)
	From        string        // Only messages from this sender (empty = all)
	MaxMessages int           // Maximum messages to include, keeping the most recent (0 = unlimited)
}

// Filter applies opts in order: type, since, from, then max messages.
func Filter(messages []Message, opts FilterOptions) []Message {
	var result []Message

	typeSet := make(map[MessageType]bool, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = true
	}

	for _, msg := range messages {
		if len(typeSet) > 0 && !typeSet[msg.Type] {
			continue
		}
		if !opts.Since.IsZero() && !msg.Timestamp.After(opts.Since) {
			continue
		}
		if opts.From != "" && msg.From != opts.From {
			continue
		}
		result = append(result, msg)
	}

	if opts.MaxMessages > 0 && len(result) > opts.MaxMessages {
		result = result[len(result)-opts.MaxMessages:]
	}

	return result
}

// formatMetadata formats a metadata map as a compact key=value string.
// Keys are sorted for deterministic output.
func formatMetadata(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, ", ")
}
