package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags switches optional engine behaviour on and off.
type FeatureFlags struct {
	mu       sync.RWMutex
	features map[string]*Feature
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool
}

// Predefined feature flag names.
const (
	// FeatureExternalGrading sends open-ended answers to the grading
	// service. Off leaves them pending a manual grade.
	FeatureExternalGrading = "grading.external"

	// FeatureLeaderboardRefresh runs the periodic leaderboard refresh job.
	FeatureLeaderboardRefresh = "scheduler.leaderboard_refresh"

	// FeatureReplayFailed periodically replays dead-lettered steps.
	FeatureReplayFailed = "scheduler.replay_failed"

	// FeatureNotifications delivers unlock and rank notifications to the log
	// sink. Off drops them.
	FeatureNotifications = "notify.enabled"

	// FeatureCertificates issues certificates for passed assessments.
	FeatureCertificates = "achievements.certificates"

	// FeatureMetricsEndpoint serves /metrics.
	FeatureMetricsEndpoint = "observability.metrics_endpoint"
)

// LoadFeatureFlags returns the defaults overridden by FEATURE_<NAME>
// environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{features: make(map[string]*Feature)}
	ff.initializeDefaults()
	ff.loadFromEnvironment()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	for _, f := range []Feature{
		{Name: FeatureExternalGrading, Description: "Grade open-ended answers with the external service", Enabled: true},
		{Name: FeatureLeaderboardRefresh, Description: "Refresh leaderboards periodically", Enabled: true},
		{Name: FeatureReplayFailed, Description: "Replay dead-lettered pipeline steps", Enabled: true},
		{Name: FeatureNotifications, Description: "Deliver learner notifications", Enabled: true},
		{Name: FeatureCertificates, Description: "Issue course certificates", Enabled: true},
		{Name: FeatureMetricsEndpoint, Description: "Serve Prometheus metrics", Enabled: true},
	} {
		f := f
		ff.features[f.Name] = &f
	}
}

// loadFromEnvironment applies overrides.
// Format: FEATURE_<NAME>=true|false
// Example: FEATURE_GRADING_EXTERNAL=false
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		if val := os.Getenv(featureNameToEnvKey(name)); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				feature.Enabled = b
			}
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "grading.external" -> "FEATURE_GRADING_EXTERNAL"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled reports whether a feature is on. Unknown features are off.
func (ff *FeatureFlags) IsEnabled(name string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	f, ok := ff.features[name]
	return ok && f.Enabled
}

// Set turns a known feature on or off.
func (ff *FeatureFlags) Set(name string, enabled bool) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	f, ok := ff.features[name]
	if !ok {
		return &FeatureFlagError{Feature: name, Message: "unknown feature"}
	}
	f.Enabled = enabled
	return nil
}

// All returns a copy of every flag, sorted by name.
func (ff *FeatureFlags) All() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FeatureFlagError reports an operation on an unknown or invalid flag.
type FeatureFlagError struct {
	Feature string
	Message string
}

func (e *FeatureFlagError) Error() string {
	return fmt.Sprintf("feature flag %s: %s", e.Feature, e.Message)
}
