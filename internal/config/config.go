package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
	"crewline/internal/policy"
)

// Config models crewline.yml.
type Config struct {
	Project   ProjectConfig   `yaml:"project" json:"project"`
	Provider  ProviderConfig  `yaml:"provider" json:"provider"`
	Quota     QuotaConfig     `yaml:"quota" json:"quota"`
	Schedule  ScheduleConfig  `yaml:"schedule" json:"schedule"`
	Workflow  WorkflowConfig  `yaml:"workflow" json:"workflow"`
	Knowledge KnowledgeConfig `yaml:"knowledge" json:"knowledge"`
	Agents    []AgentConfig   `yaml:"agents" json:"agents"`
	Policy    policy.Rules    `yaml:"policy" json:"policy"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type ProjectConfig struct {
	Name          string `yaml:"name" json:"name"`
	Root          string `yaml:"root" json:"root"`
	TaskSource    string `yaml:"task_source" json:"task_source"`
	DefaultBranch string `yaml:"default_branch" json:"default_branch"`
	Remote        string `yaml:"remote" json:"remote"`
	Repo          string `yaml:"repo" json:"repo,omitempty"`
}

// ProviderConfig selects the reasoning backend. The API key is read from the
// environment variable named by APIKeyEnv, never from the file.
type ProviderConfig struct {
	Kind      string `yaml:"kind" json:"kind"`
	Model     string `yaml:"model" json:"model,omitempty"`
	BaseURL   string `yaml:"base_url" json:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`
}

type QuotaConfig struct {
	MaxRequestsPerDay int `yaml:"max_requests_per_day" json:"max_requests_per_day"`
}

type ScheduleConfig struct {
	Daily    string `yaml:"daily" json:"daily"`
	Timezone string `yaml:"timezone" json:"timezone,omitempty"`
}

type WorkflowConfig struct {
	MaxIterations        int `yaml:"max_iterations" json:"max_iterations"`
	SelfImproveThreshold int `yaml:"self_improve_threshold" json:"self_improve_threshold"`
}

type KnowledgeConfig struct {
	MaxDecisions  int `yaml:"max_decisions" json:"max_decisions"`
	MaxLearnings  int `yaml:"max_learnings" json:"max_learnings"`
	MaxActivities int `yaml:"max_activities" json:"max_activities"`
}

type AgentConfig struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	PrimaryRole domain.Role `yaml:"role" json:"role"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type ToolsConfig struct {
	TestCommand    string `yaml:"test_command" json:"test_command,omitempty"`
	PushTokenEnv   string `yaml:"push_token_env" json:"push_token_env,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

var providerKinds = map[string]bool{"mock": true, "openai": true, "anthropic": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with crew init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.Name) == "" {
		return fmt.Errorf("config.project.name is required")
	}
	if c.Project.TaskSource == "" {
		return fmt.Errorf("config.project.task_source is required")
	}
	if !providerKinds[c.Provider.Kind] {
		return fmt.Errorf("config.provider.kind must be one of mock, openai, anthropic")
	}
	if c.Provider.Kind != "mock" && c.Provider.APIKeyEnv == "" {
		return fmt.Errorf("config.provider.api_key_env is required for %s", c.Provider.Kind)
	}
	if c.Quota.MaxRequestsPerDay <= 0 {
		return fmt.Errorf("config.quota.max_requests_per_day must be positive")
	}
	if _, err := cron.ParseStandard(c.Schedule.Daily); err != nil {
		return fmt.Errorf("config.schedule.daily is invalid: %w", err)
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("config.schedule.timezone is invalid: %w", err)
		}
	}
	if c.Workflow.MaxIterations <= 0 {
		return fmt.Errorf("config.workflow.max_iterations must be positive")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents is required")
	}
	seen := map[string]bool{}
	developers := 0
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config.agents contains empty agent id")
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %s is defined twice", a.ID)
		}
		seen[a.ID] = true
		if !a.PrimaryRole.Valid() {
			return fmt.Errorf("agent %s has unknown role %q", a.ID, a.PrimaryRole)
		}
		if a.PrimaryRole == domain.RoleDeveloper {
			developers++
		}
	}
	if developers == 0 {
		return fmt.Errorf("config.agents must include at least one developer")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not supported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be console or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location returns the schedule timezone, defaulting to local time.
func (c *Config) Location() *time.Location {
	if c.Schedule.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Agent returns the roster entry with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// applyDefaults fills limits that the file may leave out.
func (c *Config) applyDefaults() {
	if c.Project.Root == "" {
		c.Project.Root = "."
	}
	if c.Project.DefaultBranch == "" {
		c.Project.DefaultBranch = "ai-main"
	}
	if c.Project.Remote == "" {
		c.Project.Remote = "origin"
	}
	if c.Knowledge.MaxDecisions <= 0 {
		c.Knowledge.MaxDecisions = 100
	}
	if c.Knowledge.MaxLearnings <= 0 {
		c.Knowledge.MaxLearnings = 100
	}
	if c.Knowledge.MaxActivities <= 0 {
		c.Knowledge.MaxActivities = 50
	}
	if c.Workflow.SelfImproveThreshold <= 0 {
		c.Workflow.SelfImproveThreshold = 5
	}
	for i := range c.Agents {
		if c.Agents[i].Name == "" {
			c.Agents[i].Name = c.Agents[i].ID
		}
	}
	c.Policy = c.Policy.WithDefaults()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectName string) string {
	return fmt.Sprintf(defaultTemplate, projectName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectName))).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  name: %s
  root: .
  task_source: ceo-tasks.md
  default_branch: ai-main
  remote: origin

provider:
  kind: mock
  # kind: openai
  # model: gpt-4o-mini
  # api_key_env: OPENAI_API_KEY

quota:
  max_requests_per_day: 25

schedule:
  daily: "0 9 * * *"

workflow:
  max_iterations: 10
  self_improve_threshold: 5

knowledge:
  max_decisions: 100
  max_learnings: 100
  max_activities: 50

agents:
  - {id: engineering-manager, name: Engineering Manager, role: manager}
  - {id: product-owner, name: Product Owner, role: product}
  - {id: scrum-master, name: Scrum Master, role: scrum}
  - {id: developer-1, name: Developer 1, role: developer}
  - {id: developer-2, name: Developer 2, role: developer}
  - {id: developer-3, name: Developer 3, role: developer}
  - {id: developer-4, name: Developer 4, role: developer}
  - {id: qa-engineer-1, name: QA Engineer 1, role: qa}
  - {id: qa-engineer-2, name: QA Engineer 2, role: qa}
  - {id: flex-agent, name: Flex Agent, role: flex}

policy:
  git:
    working_branch: ai-main
    allowed_branch_patterns: [ai-main, "ai-feature/*", "ai-fix/*", "ai-refactor/*"]
    protected_branches: [main, master, production, "release/*"]
    blocked_operations:
      - push --force
      - push -f
      - reset --hard
      - clean -fd
      - checkout main
      - checkout master
      - merge main
      - merge master
  files:
    writable_paths: [website/, data/]
    read_only_paths: [src/, tests/, docker/, Dockerfile, docker-compose.yml, .env, .git/]
    protected_files: [ceo-tasks.md, package.json, package-lock.json]
    max_file_size: 102400
    max_files_per_operation: 10
    blocked_patterns: ["*.exe", "*.dll", "*.sh", ".env*"]
    scan_secrets: true
  execution:
    max_tool_calls_per_request: 10
    min_request_interval_ms: 1000
    max_consecutive_failures: 0 # 0 disables the work-loop breaker
  quality:
    min_commit_message_length: 10
    commit_tags: [feat, fix, refactor, docs, test, style, chore]

logging:
  level: info
  format: console

tools:
  test_command: ""
  push_token_env: CREWLINE_GIT_TOKEN

webhooks: []
`
