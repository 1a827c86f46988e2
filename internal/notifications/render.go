package notifications

import (
	"fmt"
	"html"
	"strings"

	"github.com/albapepper/stockwatch/internal/schedule"
)

// --------------------------------------------------------------------------
// Rendering helpers shared by every channel adapter
// --------------------------------------------------------------------------

// Headline returns the one-line summary of the message.
func (m Message) Headline() string {
	if m.Title != "" {
		return m.Title
	}
	var b strings.Builder
	if label := frequencyLabel(m.Frequency); label != "" {
		b.WriteString(label)
		b.WriteString(" ")
	}
	b.WriteString(categoryLabel(m.Category))
	if m.Subject != "" {
		b.WriteString(": ")
		b.WriteString(m.Subject)
	}
	if m.BranchName != "" {
		b.WriteString(" (")
		b.WriteString(m.BranchName)
		b.WriteString(")")
	}
	return b.String()
}

// Lines returns the detail lines (items, then events) as plain text.
func (m Message) Lines() []string {
	lines := make([]string, 0, len(m.Items)+len(m.Events))
	for _, it := range m.Items {
		lines = append(lines, itemLine(it))
	}
	for _, ev := range m.Events {
		lines = append(lines, eventLine(ev))
	}
	return lines
}

// PlainText renders the body for text media (push, email text part).
func (m Message) PlainText() string {
	var parts []string
	if m.Body != "" {
		parts = append(parts, m.Body)
	}
	for _, l := range m.Lines() {
		parts = append(parts, "• "+l)
	}
	return strings.Join(parts, "\n")
}

// HTML renders the headline and body with minimal escaped markup.
func (m Message) HTML() string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(m.Headline()))
	b.WriteString("</b>")
	if m.Body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(m.Body))
	}
	for _, l := range m.Lines() {
		b.WriteString("\n• ")
		b.WriteString(html.EscapeString(l))
	}
	return b.String()
}

func itemLine(it ItemLine) string {
	unit := ""
	if it.Unit != "" {
		unit = " " + it.Unit
	}
	s := fmt.Sprintf("%s: %s%s left (threshold %s)", it.Name, it.Quantity.String(), unit, it.Threshold.String())
	if it.Severity != "" {
		s += " [" + it.Severity + "]"
	}
	return s
}

func eventLine(ev EventLine) string {
	s := ev.Title
	if !ev.At.IsZero() {
		s += " at " + ev.At.Format("Mon 02 Jan 15:04")
	}
	if ev.Detail != "" {
		s += " (" + ev.Detail + ")"
	}
	return s
}

func categoryLabel(c schedule.Category) string {
	switch c {
	case schedule.CategoryStock:
		return "Stock alert"
	case schedule.CategoryEvent:
		return "Event reminder"
	case schedule.CategoryTrend:
		return "Trend alert"
	case "":
		return "Notification"
	default:
		return string(c)
	}
}

func frequencyLabel(f schedule.Frequency) string {
	switch f {
	case schedule.Daily:
		return "Daily"
	case schedule.Weekly:
		return "Weekly"
	case schedule.Monthly:
		return "Monthly"
	default:
		return ""
	}
}
