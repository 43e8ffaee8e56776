// Package config loads the watchdog/policy configuration: loop
// thresholds, quiet hours, feature-family routing, and the agent role
// registry used by assignment scoring. Values fall back to defaults and
// may be overridden by environment variables, in the manner of the
// teacher's YAML-backed team/project config loaders.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentRole describes one entry in the assignment scoring registry.
type AgentRole struct {
	Name             string   `yaml:"name"`
	Role             string   `yaml:"role"`
	Tags             []string `yaml:"tags"`
	NeverRoute       []string `yaml:"never_route"`
	ProtectedDomains []string `yaml:"protected_domains"`
	WIPCap           int      `yaml:"wip_cap"`
}

// Policy is the full set of tunables the watchdog scheduler, insight
// bridge, and assignment scorer read from.
type Policy struct {
	// Watchdog: §4.2 and §6.3 env vars.
	HealthEnabled          bool          `yaml:"health_enabled"`
	IntervalMs             int           `yaml:"interval_ms"`
	StaleDoingThresholdMin int           `yaml:"stale_doing_threshold_min"`
	SuggestCloseThresholdMin int         `yaml:"suggest_close_threshold_min"`
	RollbackWindowMs       int           `yaml:"rollback_window_ms"`
	DigestIntervalMs       int           `yaml:"digest_interval_ms"`
	DigestChannel          string        `yaml:"digest_channel"`
	QuietStartHour         int           `yaml:"quiet_start_hour"`
	QuietEndHour           int           `yaml:"quiet_end_hour"`
	QuietHoursEnabled      bool          `yaml:"quiet_hours_enabled"`
	QuietHoursTZ           string        `yaml:"quiet_hours_tz"`
	DryRun                 bool          `yaml:"dry_run"`
	MaxActionsPerTick      int           `yaml:"max_actions_per_tick"`
	ReviewSlaThresholdMin  int           `yaml:"review_sla_threshold_min"`
	ReadyFloor             int           `yaml:"ready_floor"`
	EscalateAfterMin       int           `yaml:"escalate_after_min"`
	CooldownMin            int           `yaml:"cooldown_min"`
	InactiveAgentThresholdMin int        `yaml:"inactive_agent_threshold_min"`
	MentionAckTimeoutMin   int           `yaml:"mention_ack_timeout_min"`
	EscalationAgent        string        `yaml:"escalation_agent"`
	DefaultReviewer        string        `yaml:"default_reviewer"`
	RequireNonAuthorReviewer bool        `yaml:"require_non_author_reviewer"`

	// Insight bridge: §4.3.
	FeatureFamilies      []string `yaml:"feature_families"`
	AutoCreateSeverities []string `yaml:"auto_create_severities"`

	// WIP cap default when a role entry doesn't set one.
	DefaultWIPCap int `yaml:"default_wip_cap"`

	// Assignment registry: §4.4.
	Agents []AgentRole `yaml:"agents"`

	// Artifact mirror roots: §4.8 / §6.3.
	WorkspaceOverride string `yaml:"workspace_override"`
	SharedWorkspace   string `yaml:"shared_workspace"`
	StateDir          string `yaml:"state_dir"`

	// §6.3 NODE_ENV.
	Production bool `yaml:"-"`
}

// Default returns the built-in defaults named throughout spec §4.2/§4.3.
func Default() *Policy {
	return &Policy{
		HealthEnabled:            true,
		IntervalMs:               60_000,
		StaleDoingThresholdMin:   240,
		SuggestCloseThresholdMin: 10080, // 7 days
		RollbackWindowMs:         int((1 * time.Hour).Milliseconds()),
		DigestIntervalMs:         int((6 * time.Hour).Milliseconds()),
		DigestChannel:            "general",
		QuietStartHour:           22,
		QuietEndHour:             7,
		QuietHoursEnabled:        false,
		QuietHoursTZ:             "UTC",
		DryRun:                   false,
		MaxActionsPerTick:        5,
		ReviewSlaThresholdMin:    480, // 8h
		ReadyFloor:               2,
		EscalateAfterMin:         60,
		CooldownMin:              30,
		InactiveAgentThresholdMin: 60,
		MentionAckTimeoutMin:     30,
		EscalationAgent:          "kai",
		DefaultReviewer:          "kai",
		RequireNonAuthorReviewer: true,
		FeatureFamilies: []string{
			"autonomy", "revenue-focus", "monetization",
			"product-is-process", "focus-correction",
			"autonomy-contract", "burn-rate",
		},
		AutoCreateSeverities: []string{"high", "critical"},
		DefaultWIPCap:        3,
	}
}

// Load reads a YAML policy file (if path is non-empty and exists), then
// applies §6.3 environment variable overrides on top.
func Load(path string) (*Policy, error) {
	p := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, p); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(p)
	return p, nil
}

func applyEnvOverrides(p *Policy) {
	if v, ok := os.LookupEnv("BOARD_HEALTH_ENABLED"); ok {
		p.HealthEnabled = strings.ToLower(v) != "false"
	}
	intEnv("BOARD_HEALTH_INTERVAL_MS", &p.IntervalMs)
	intEnv("BOARD_HEALTH_STALE_DOING_MIN", &p.StaleDoingThresholdMin)
	intEnv("BOARD_HEALTH_SUGGEST_CLOSE_MIN", &p.SuggestCloseThresholdMin)
	intEnv("BOARD_HEALTH_ROLLBACK_WINDOW_MS", &p.RollbackWindowMs)
	intEnv("BOARD_HEALTH_DIGEST_INTERVAL_MS", &p.DigestIntervalMs)
	if v, ok := os.LookupEnv("BOARD_HEALTH_DIGEST_CHANNEL"); ok {
		p.DigestChannel = v
	}
	intEnv("BOARD_HEALTH_QUIET_START", &p.QuietStartHour)
	intEnv("BOARD_HEALTH_QUIET_END", &p.QuietEndHour)
	if v, ok := os.LookupEnv("BOARD_HEALTH_DRY_RUN"); ok {
		p.DryRun = strings.ToLower(v) == "true"
	}
	intEnv("BOARD_HEALTH_MAX_ACTIONS", &p.MaxActionsPerTick)

	if v, ok := os.LookupEnv("WATCHDOG_QUIET_HOURS_ENABLED"); ok {
		p.QuietHoursEnabled = strings.ToLower(v) == "true"
	}
	intEnv("WATCHDOG_QUIET_HOURS_START_HOUR", &p.QuietStartHour)
	intEnv("WATCHDOG_QUIET_HOURS_END_HOUR", &p.QuietEndHour)
	if v, ok := os.LookupEnv("WATCHDOG_QUIET_HOURS_TZ"); ok {
		p.QuietHoursTZ = v
	}

	if v, ok := os.LookupEnv("REFLECTT_WORKSPACE"); ok {
		p.WorkspaceOverride = v
	}
	if v, ok := os.LookupEnv("REFLECTT_SHARED_WORKSPACE"); ok {
		p.SharedWorkspace = v
	}
	if v, ok := os.LookupEnv("OPENCLAW_STATE_DIR"); ok {
		p.StateDir = v
	}

	if v, ok := os.LookupEnv("NODE_ENV"); ok && v == "production" {
		p.Production = true
	}
}

func intEnv(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// AgentByName does a case-insensitive lookup into the role registry.
func (p *Policy) AgentByName(name string) (AgentRole, bool) {
	for _, a := range p.Agents {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return AgentRole{}, false
}

// WIPCapFor returns the configured WIP cap for agent, or DefaultWIPCap.
func (p *Policy) WIPCapFor(name string) int {
	if a, ok := p.AgentByName(name); ok && a.WIPCap > 0 {
		return a.WIPCap
	}
	return p.DefaultWIPCap
}

// QuietHoursLocation loads the configured IANA timezone, falling back to
// UTC if unset/invalid.
func (p *Policy) QuietHoursLocation() *time.Location {
	loc, err := time.LoadLocation(p.QuietHoursTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InQuietHours reports whether t (in the policy's configured timezone)
// falls inside the quiet-hours window. The window may wrap midnight
// (e.g. 22 -> 7).
func (p *Policy) InQuietHours(t time.Time) bool {
	if !p.QuietHoursEnabled {
		return false
	}
	local := t.In(p.QuietHoursLocation())
	h := local.Hour()
	if p.QuietStartHour == p.QuietEndHour {
		return false
	}
	if p.QuietStartHour < p.QuietEndHour {
		return h >= p.QuietStartHour && h < p.QuietEndHour
	}
	return h >= p.QuietStartHour || h < p.QuietEndHour
}
