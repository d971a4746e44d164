package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crewline/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("website")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.Name != "website" {
		t.Fatalf("project name = %q", cfg.Project.Name)
	}
	if len(cfg.Agents) != 10 {
		t.Fatalf("expected 10 agents, got %d", len(cfg.Agents))
	}
	if cfg.Quota.MaxRequestsPerDay != 25 {
		t.Fatalf("quota = %d", cfg.Quota.MaxRequestsPerDay)
	}
	if !cfg.Policy.Files.ScanSecrets {
		t.Fatalf("expected secret scanning on by default")
	}
	if a, ok := cfg.Agent("flex-agent"); !ok || a.PrimaryRole != domain.RoleFlex {
		t.Fatalf("flex agent missing: %+v", a)
	}
}

func TestFromYAMLFillsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  name: demo
  task_source: tasks.md
provider:
  kind: mock
quota:
  max_requests_per_day: 3
schedule:
  daily: "30 8 * * 1-5"
workflow:
  max_iterations: 2
agents:
  - {id: dev, role: developer}
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Agents[0].Name != "dev" {
		t.Fatalf("agent name should default to id, got %q", cfg.Agents[0].Name)
	}
	if cfg.Knowledge.MaxDecisions != 100 || cfg.Knowledge.MaxActivities != 50 {
		t.Fatalf("knowledge caps not defaulted: %+v", cfg.Knowledge)
	}
	if cfg.Policy.Files.MaxFileSize != 100*1024 {
		t.Fatalf("policy not defaulted: %+v", cfg.Policy.Files)
	}
	if cfg.Project.DefaultBranch != "ai-main" {
		t.Fatalf("default branch = %q", cfg.Project.DefaultBranch)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"project.name":         func(c *Config) { c.Project.Name = " " },
		"provider.kind":        func(c *Config) { c.Provider.Kind = "gemini" },
		"api_key_env":          func(c *Config) { c.Provider.Kind = "openai"; c.Provider.APIKeyEnv = "" },
		"max_requests_per_day": func(c *Config) { c.Quota.MaxRequestsPerDay = 0 },
		"schedule.daily":       func(c *Config) { c.Schedule.Daily = "every morning" },
		"timezone":             func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" },
		"defined twice":        func(c *Config) { c.Agents = append(c.Agents, c.Agents[0]) },
		"unknown role":         func(c *Config) { c.Agents[0].PrimaryRole = "intern" },
		"at least one developer": func(c *Config) {
			c.Agents = []AgentConfig{{ID: "pm", Name: "PM", PrimaryRole: domain.RoleProduct}}
		},
		"logging.level": func(c *Config) { c.Logging.Level = "chatty" },
		"webhooks[0]":   func(c *Config) { c.Webhooks = []WebhookConfig{{URL: ""}} },
	}
	for want, mutate := range cases {
		cfg := Default("website")
		mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", want)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: unexpected error %v", want, err)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty workspace, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected Load to fail without a config file")
	}
	if err := os.WriteFile(filepath.Join(dir, "crewline.yml"), []byte(GenerateDefault("site")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.Name != "site" {
		t.Fatalf("project name = %q", cfg.Project.Name)
	}
}
