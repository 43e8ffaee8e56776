package router

import "testing"

func TestRoute_DefaultChannelByCategory(t *testing.T) {
	r := Route(Request{From: "watchdog", Content: "T1 stale", Category: CategoryWatchdogAlert})
	if r.Channel != "watchdog-alerts" {
		t.Errorf("expected watchdog-alerts channel, got %s", r.Channel)
	}
}

func TestRoute_ForceChannelOverridesCategory(t *testing.T) {
	r := Route(Request{Content: "hi", Category: CategoryDigest, ForceChannel: "ops"})
	if r.Channel != "ops" {
		t.Errorf("expected forced channel ops, got %s", r.Channel)
	}
}

func TestRoute_InjectsMissingMentions(t *testing.T) {
	r := Route(Request{Content: "please review", Category: CategoryEscalation, Mentions: []string{"kai", "sage"}})
	if r.Content != "@kai @sage please review" {
		t.Errorf("unexpected content: %q", r.Content)
	}
}

func TestRoute_DoesNotDuplicateExistingMention(t *testing.T) {
	r := Route(Request{Content: "@kai please review", Category: CategoryEscalation, Mentions: []string{"kai"}})
	if r.Content != "@kai please review" {
		t.Errorf("expected no duplicate mention, got %q", r.Content)
	}
}
