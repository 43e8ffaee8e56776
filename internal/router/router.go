// Package router implements routeMessage (spec §4.6): the channel
// selection and @mention-injection logic watchdogs and the insight
// bridge use to post chat notifications, grounded on the teacher's
// notification Router dispatch pattern but collapsed to a single
// deterministic function instead of a fan-out to multiple channel
// backends.
package router

import (
	"strings"
)

// Category is the closed set of notification categories routeMessage
// accepts.
type Category string

const (
	CategoryWatchdogAlert Category = "watchdog-alert"
	CategoryEscalation    Category = "escalation"
	CategoryDigest        Category = "digest"
	CategorySystemInfo    Category = "system-info"
	CategoryStatusUpdate  Category = "status-update"
)

// defaultChannels maps each category to its default channel, mirroring
// the teacher's per-channel notification backend selection but keyed by
// category instead of event type.
var defaultChannels = map[Category]string{
	CategoryWatchdogAlert: "watchdog-alerts",
	CategoryEscalation:    "escalations",
	CategoryDigest:        "general",
	CategorySystemInfo:    "system",
	CategoryStatusUpdate:  "general",
}

// Request is the input to Route.
type Request struct {
	From         string
	Content      string
	Category     Category
	Severity     string
	TaskID       string
	Mentions     []string
	ForceChannel string
}

// Routed is the channel-resolved, mention-prefixed message ready for
// ChatStore.PostMessage.
type Routed struct {
	Channel string
	Content string
}

// Route resolves req.ForceChannel or the category default, and injects
// any @mention from req.Mentions not already present in the content as a
// leading prefix.
func Route(req Request) Routed {
	channel := req.ForceChannel
	if channel == "" {
		channel = defaultChannels[req.Category]
	}
	if channel == "" {
		channel = "general"
	}

	content := req.Content
	var missing []string
	for _, m := range req.Mentions {
		tag := "@" + m
		if !strings.Contains(strings.ToLower(content), strings.ToLower(tag)) {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		content = strings.Join(missing, " ") + " " + content
	}

	return Routed{Channel: channel, Content: content}
}
