package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule subscribes one endpoint to a set of event types
type Rule struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret"`
	Events  []EventType       `yaml:"events"`
	Headers map[string]string `yaml:"headers"`
}

// matches reports whether the rule subscribes to the event type. An empty
// event list subscribes to everything.
func (r Rule) matches(t EventType) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, e := range r.Events {
		if e == t {
			return true
		}
	}
	return false
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file. URL and secret values support ${VAR}
// expansion from the process environment.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	for i, rule := range file.Rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i)
		}
		if rule.URL == "" {
			return nil, fmt.Errorf("rule %q has no url", rule.Name)
		}
		file.Rules[i].URL = os.Expand(rule.URL, os.Getenv)
		file.Rules[i].Secret = os.Expand(rule.Secret, os.Getenv)
	}
	return file.Rules, nil
}
