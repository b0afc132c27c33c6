package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Feature flag names.
const (
	// FeatureDualValidation requires a proximity confirmation after an
	// RFID tap before a check-in commits.
	FeatureDualValidation = "dual_validation"

	// FeatureAutoEnd lets the clock end sessions at their scheduled end.
	FeatureAutoEnd = "auto_end"

	// FeatureRealtime enables the websocket classroom feed.
	FeatureRealtime = "realtime"

	// FeatureEscalations enables the behavior escalation engine. With the
	// flag off, profiles still accumulate outcomes but nothing is sent.
	FeatureEscalations = "escalations"

	// FeatureAuditRejects persists rejected and debounced taps for the
	// registrar's audit trail.
	FeatureAuditRejects = "audit_rejects"
)

// FeatureFlags holds runtime feature toggles. Each flag reads its default
// here and may be overridden with FEATURE_<NAME>=true/false in the
// environment.
type FeatureFlags struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// LoadFeatureFlags builds the flag set from defaults and environment
// overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		flags: map[string]bool{
			FeatureDualValidation: true,
			FeatureAutoEnd:        true,
			FeatureRealtime:       true,
			FeatureEscalations:    true,
			FeatureAuditRejects:   true,
		},
	}
	ff.loadFromEnvironment()
	return ff
}

func (ff *FeatureFlags) loadFromEnvironment() {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	for name := range ff.flags {
		envKey := featureNameToEnvKey(name)
		if val := os.Getenv(envKey); val != "" {
			if parsed, err := strconv.ParseBool(val); err == nil {
				ff.flags[name] = parsed
			}
		}
	}
}

// featureNameToEnvKey converts "dual_validation" to "FEATURE_DUAL_VALIDATION".
func featureNameToEnvKey(name string) string {
	return "FEATURE_" + strings.ToUpper(name)
}

// Enabled reports whether a feature is on. Unknown features are off.
func (ff *FeatureFlags) Enabled(name string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	return ff.flags[name]
}

// Set overrides a flag at runtime. Used by tests and the admin endpoint.
func (ff *FeatureFlags) Set(name string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.flags[name] = enabled
}

// All returns a copy of the current flag state.
func (ff *FeatureFlags) All() map[string]bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make(map[string]bool, len(ff.flags))
	for k, v := range ff.flags {
		out[k] = v
	}
	return out
}
