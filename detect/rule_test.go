package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threathawk/core"
)

func processEvent(name string) *core.NormalizedEvent {
	ev := core.NewNormalizedEvent(core.SourceProcess, "host-1", time.Now().UTC())
	ev.ProcessName = name
	ev.PID = 100
	return ev
}

func networkEvent(srcIP string, port int) *core.NormalizedEvent {
	ev := core.NewNormalizedEvent(core.SourceNetwork, "host-1", time.Now().UTC())
	ev.SourceIP = srcIP
	ev.DestinationIP = "203.0.113.7"
	ev.DestinationPort = port
	return ev
}

func fileEvent(path string) *core.NormalizedEvent {
	ev := core.NewNormalizedEvent(core.SourceFile, "host-1", time.Now().UTC())
	ev.Path = path
	return ev
}

func TestBlocklistRule(t *testing.T) {
	cfg := DefaultRuleSet()
	rule := newBlocklistRule(cfg.ProcessBlocklist.Names, cfg.ProcessBlocklist.Weight)

	tests := []struct {
		name string
		ev   *core.NormalizedEvent
		want bool
	}{
		{"exact match", processEvent("mimikatz"), true},
		{"case insensitive", processEvent("MIMIKATZ.EXE"), true},
		{"substring", processEvent("run-keylogger-v2"), true},
		{"benign process", processEvent("nginx"), false},
		{"non-process event", networkEvent("10.0.0.1", 80), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hit, err := rule.Match(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hit)
		})
	}
}

func TestExtensionRule(t *testing.T) {
	cfg := DefaultRuleSet()
	rule := newExtensionRule(cfg.SuspiciousExtensions.Extensions, cfg.SuspiciousExtensions.Weight)

	hit, err := rule.Match(fileEvent("/tmp/dropper.EXE"))
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = rule.Match(fileEvent("/var/log/syslog"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSuspiciousPortRule(t *testing.T) {
	cfg := DefaultRuleSet()
	rule := newSuspiciousPortRule(cfg.SuspiciousPorts.Ports, cfg.SuspiciousPorts.Weight)

	hit, err := rule.Match(networkEvent("10.0.0.1", 4444))
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = rule.Match(networkEvent("10.0.0.1", 443))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestHighResourceRule(t *testing.T) {
	rule := newHighResourceRule(90, 85, 0.4)

	ev := processEvent("miner")
	ev.CPUPercent = 99
	hit, err := rule.Match(ev)
	require.NoError(t, err)
	assert.True(t, hit)

	ev = processEvent("nginx")
	ev.CPUPercent = 50
	ev.MemoryPercent = 40
	hit, err = rule.Match(ev)
	require.NoError(t, err)
	assert.False(t, hit)

	metric := core.NewNormalizedEvent(core.SourceMetric, "host-1", time.Now().UTC())
	metric.MemoryPercent = 95
	hit, err = rule.Match(metric)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestPatternRule(t *testing.T) {
	rule := newPatternRule(PatternRuleConfig{
		ID: "tmp_exec", Field: "path", Regex: `^/tmp/.*\.sh$`, Weight: 0.5,
	})

	hit, err := rule.Match(fileEvent("/tmp/install.sh"))
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = rule.Match(fileEvent("/usr/local/bin/install.sh"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestPatternRuleMalformedRegexErrors(t *testing.T) {
	rule := newPatternRule(PatternRuleConfig{
		ID: "broken", Field: "path", Regex: `([unclosed`, Weight: 0.5,
	})

	_, err := rule.Match(fileEvent("/tmp/x"))
	assert.Error(t, err)

	// The error is stable across calls, not just the first.
	_, err = rule.Match(fileEvent("/tmp/y"))
	assert.Error(t, err)
}

func TestPatternRuleUnknownField(t *testing.T) {
	rule := newPatternRule(PatternRuleConfig{
		ID: "bad_field", Field: "hostname", Regex: `.*`, Weight: 0.5,
	})
	_, err := rule.Match(fileEvent("/tmp/x"))
	assert.Error(t, err)
}

func TestLoadRuleSetOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
version: 2
process_blocklist:
  weight: 0.95
  names: [evilbinary]
pattern_rules:
  - id: beacon_ip
    field: destination_ip
    regex: "^198\\.51\\.100\\."
    weight: 0.6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadRuleSet(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)
	assert.Equal(t, 0.95, cfg.ProcessBlocklist.Weight)
	assert.Equal(t, []string{"evilbinary"}, cfg.ProcessBlocklist.Names)
	// Sections the file doesn't name keep their defaults.
	assert.Equal(t, 0.8, cfg.SuspiciousPorts.Weight)
	require.Len(t, cfg.PatternRules, 1)
	assert.Equal(t, "beacon_ip", cfg.PatternRules[0].ID)
}

func TestMergeFilePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
high_resource:
  cpu_percent: 70
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// Values seeded before the merge survive unless the file names them.
	cfg := DefaultRuleSet()
	cfg.HighResource.CPUPercent = 95.0
	cfg.HighResource.MemoryPercent = 80.0
	require.NoError(t, cfg.MergeFile(path))

	assert.Equal(t, 70.0, cfg.HighResource.CPUPercent, "file value must win")
	assert.Equal(t, 80.0, cfg.HighResource.MemoryPercent, "seeded value must survive")
	assert.Equal(t, 0.9, cfg.ProcessBlocklist.Weight)
}

func TestLoadRuleSetMissingFile(t *testing.T) {
	_, err := LoadRuleSet("/nonexistent/rules.yaml")
	assert.Error(t, err)
}

func TestBuildRulesIncludesPatternRules(t *testing.T) {
	cfg := DefaultRuleSet()
	cfg.PatternRules = append(cfg.PatternRules, PatternRuleConfig{
		ID: "extra", Field: "path", Regex: `.*`, Weight: 0.1,
	})
	rules := BuildRules(cfg, 30*time.Second, 20)
	assert.Len(t, rules, 6) // five built-ins plus the pattern rule
}
