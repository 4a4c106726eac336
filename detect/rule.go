package detect

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"

	"threathawk/core"
)

// Rule is a detection rule evaluated against one normalized event. A rule
// that returns an error is skipped for that event; it never aborts the rest
// of the rule set.
type Rule interface {
	ID() string
	Weight() float64
	Match(ev *core.NormalizedEvent) (bool, error)
}

// RuleSetConfig is the versioned, externally-editable rule set. Weights are
// part of the configuration, not the code.
type RuleSetConfig struct {
	Version int `yaml:"version"`

	ProcessBlocklist struct {
		Weight float64  `yaml:"weight"`
		Names  []string `yaml:"names"`
	} `yaml:"process_blocklist"`

	SuspiciousExtensions struct {
		Weight     float64  `yaml:"weight"`
		Extensions []string `yaml:"extensions"`
	} `yaml:"suspicious_extensions"`

	SuspiciousPorts struct {
		Weight float64 `yaml:"weight"`
		Ports  []int   `yaml:"ports"`
	} `yaml:"suspicious_ports"`

	PortScan struct {
		Weight float64 `yaml:"weight"`
	} `yaml:"port_scan"`

	HighResource struct {
		Weight        float64 `yaml:"weight"`
		CPUPercent    float64 `yaml:"cpu_percent"`
		MemoryPercent float64 `yaml:"memory_percent"`
	} `yaml:"high_resource"`

	// PatternRules match a regular expression against one event field.
	PatternRules []PatternRuleConfig `yaml:"pattern_rules"`
}

// PatternRuleConfig defines one regex rule over a named event field.
type PatternRuleConfig struct {
	ID     string  `yaml:"id"`
	Field  string  `yaml:"field"` // process_name | path | destination_ip
	Regex  string  `yaml:"regex"`
	Weight float64 `yaml:"weight"`
}

// DefaultRuleSet returns the shipped rule corpus. Every value can be
// overridden by a rule set file.
func DefaultRuleSet() *RuleSetConfig {
	cfg := &RuleSetConfig{Version: 1}

	cfg.ProcessBlocklist.Weight = 0.9
	cfg.ProcessBlocklist.Names = []string{
		"mimikatz", "keylogger", "pwdump", "lazagne", "meterpreter", "netcat",
	}

	cfg.SuspiciousExtensions.Weight = 0.5
	cfg.SuspiciousExtensions.Extensions = []string{
		".exe", ".bat", ".ps1", ".vbs", ".dll", ".scr",
	}

	cfg.SuspiciousPorts.Weight = 0.8
	cfg.SuspiciousPorts.Ports = []int{4444, 5555, 6666, 1337, 31337, 12345, 9999}

	cfg.PortScan.Weight = 0.7

	cfg.HighResource.Weight = 0.4
	cfg.HighResource.CPUPercent = 90.0
	cfg.HighResource.MemoryPercent = 85.0

	return cfg
}

// MergeFile overlays a rule set file on the receiver. Fields the file does
// not name keep their current values, so a partial file only overrides what
// it says.
func (c *RuleSetConfig) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rule set: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse rule set: %w", err)
	}
	return nil
}

// LoadRuleSet reads a rule set file, starting from the defaults.
func LoadRuleSet(path string) (*RuleSetConfig, error) {
	cfg := DefaultRuleSet()
	if err := cfg.MergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BuildRules turns a rule set config into evaluable rules. The port-scan
// window and threshold come from engine configuration rather than the rule
// file because they bound the rule's memory, not just its sensitivity.
func BuildRules(cfg *RuleSetConfig, scanWindow time.Duration, scanThreshold int) []Rule {
	rules := []Rule{
		newBlocklistRule(cfg.ProcessBlocklist.Names, cfg.ProcessBlocklist.Weight),
		newExtensionRule(cfg.SuspiciousExtensions.Extensions, cfg.SuspiciousExtensions.Weight),
		newSuspiciousPortRule(cfg.SuspiciousPorts.Ports, cfg.SuspiciousPorts.Weight),
		NewPortScanRule(scanWindow, scanThreshold, cfg.PortScan.Weight),
		newHighResourceRule(cfg.HighResource.CPUPercent, cfg.HighResource.MemoryPercent, cfg.HighResource.Weight),
	}
	for _, pr := range cfg.PatternRules {
		rules = append(rules, newPatternRule(pr))
	}
	return rules
}

// blocklistRule flags process events whose name contains a known threat tool.
type blocklistRule struct {
	names  []string
	weight float64
}

func newBlocklistRule(names []string, weight float64) *blocklistRule {
	lowered := make([]string, 0, len(names))
	for _, n := range names {
		lowered = append(lowered, strings.ToLower(n))
	}
	return &blocklistRule{names: lowered, weight: weight}
}

func (r *blocklistRule) ID() string      { return "process_blocklist" }
func (r *blocklistRule) Weight() float64 { return r.weight }

func (r *blocklistRule) Match(ev *core.NormalizedEvent) (bool, error) {
	if ev.Source != core.SourceProcess || ev.ProcessName == "" {
		return false, nil
	}
	name := strings.ToLower(ev.ProcessName)
	for _, bad := range r.names {
		if strings.Contains(name, bad) {
			return true, nil
		}
	}
	return false, nil
}

// extensionRule flags file events touching paths with suspicious extensions.
type extensionRule struct {
	exts   []string
	weight float64
}

func newExtensionRule(exts []string, weight float64) *extensionRule {
	lowered := make([]string, 0, len(exts))
	for _, e := range exts {
		lowered = append(lowered, strings.ToLower(e))
	}
	return &extensionRule{exts: lowered, weight: weight}
}

func (r *extensionRule) ID() string      { return "suspicious_extension" }
func (r *extensionRule) Weight() float64 { return r.weight }

func (r *extensionRule) Match(ev *core.NormalizedEvent) (bool, error) {
	if ev.Source != core.SourceFile || ev.Path == "" {
		return false, nil
	}
	path := strings.ToLower(ev.Path)
	for _, ext := range r.exts {
		if strings.HasSuffix(path, ext) {
			return true, nil
		}
	}
	return false, nil
}

// suspiciousPortRule flags network events connecting to ports commonly used
// by remote-access tooling.
type suspiciousPortRule struct {
	ports  map[int]struct{}
	weight float64
}

func newSuspiciousPortRule(ports []int, weight float64) *suspiciousPortRule {
	set := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return &suspiciousPortRule{ports: set, weight: weight}
}

func (r *suspiciousPortRule) ID() string      { return "suspicious_port" }
func (r *suspiciousPortRule) Weight() float64 { return r.weight }

func (r *suspiciousPortRule) Match(ev *core.NormalizedEvent) (bool, error) {
	if ev.Source != core.SourceNetwork {
		return false, nil
	}
	_, ok := r.ports[ev.DestinationPort]
	return ok, nil
}

// highResourceRule flags processes or host metrics exceeding resource
// thresholds.
type highResourceRule struct {
	cpuPercent    float64
	memoryPercent float64
	weight        float64
}

func newHighResourceRule(cpu, mem, weight float64) *highResourceRule {
	return &highResourceRule{cpuPercent: cpu, memoryPercent: mem, weight: weight}
}

func (r *highResourceRule) ID() string      { return "high_resource" }
func (r *highResourceRule) Weight() float64 { return r.weight }

func (r *highResourceRule) Match(ev *core.NormalizedEvent) (bool, error) {
	if ev.Source != core.SourceProcess && ev.Source != core.SourceMetric {
		return false, nil
	}
	return ev.CPUPercent > r.cpuPercent || ev.MemoryPercent > r.memoryPercent, nil
}

// patternMatchTimeout bounds backtracking so a pathological pattern cannot
// stall the scoring pipeline. A timeout surfaces as an evaluation error and
// the rule is skipped for that event.
const patternMatchTimeout = 100 * time.Millisecond

// patternRule matches a regex against one event field. The pattern is
// compiled on first use; a malformed pattern surfaces as an evaluation error
// so the analyzer can skip this rule without aborting the others.
type patternRule struct {
	cfg     PatternRuleConfig
	once    sync.Once
	re      *regexp2.Regexp
	compile error
}

func newPatternRule(cfg PatternRuleConfig) *patternRule {
	return &patternRule{cfg: cfg}
}

func (r *patternRule) ID() string      { return r.cfg.ID }
func (r *patternRule) Weight() float64 { return r.cfg.Weight }

func (r *patternRule) Match(ev *core.NormalizedEvent) (bool, error) {
	r.once.Do(func() {
		r.re, r.compile = regexp2.Compile(r.cfg.Regex, 0)
		if r.compile == nil {
			r.re.MatchTimeout = patternMatchTimeout
		}
	})
	if r.compile != nil {
		return false, fmt.Errorf("pattern rule %s: %w", r.cfg.ID, r.compile)
	}

	var value string
	switch r.cfg.Field {
	case "process_name":
		value = ev.ProcessName
	case "path":
		value = ev.Path
	case "destination_ip":
		value = ev.DestinationIP
	default:
		return false, fmt.Errorf("pattern rule %s: unknown field %q", r.cfg.ID, r.cfg.Field)
	}
	if value == "" {
		return false, nil
	}
	hit, err := r.re.MatchString(value)
	if err != nil {
		return false, fmt.Errorf("pattern rule %s: %w", r.cfg.ID, err)
	}
	return hit, nil
}
