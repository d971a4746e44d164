// Package policy classifies proposed agent operations as allowed or blocked.
//
// Every validator is a pure function of its inputs and a Rules table. Nothing
// here performs I/O except the optional secret scanner, which only reads the
// content handed to it.
package policy

// Rule identifiers reported on blocked results and recorded on violations.
const (
	InvariantProtectedFiles       = "files.protectedFiles"
	InvariantReadOnlyPaths        = "files.readOnlyPaths"
	InvariantWritablePaths        = "files.writablePaths"
	InvariantBlockedPatterns      = "files.blockedPatterns"
	InvariantMaxFileSize          = "files.maxFileSize"
	InvariantMaxFilesPerOperation = "files.maxFilesPerOperation"
	InvariantSecretContent        = "files.secretContent"
	InvariantBlockedOperations    = "git.blockedOperations"
	InvariantProtectedBranches    = "git.protectedBranches"
	InvariantAllowedBranches      = "git.allowedBranchPatterns"
	InvariantCommitLength         = "quality.minCommitMessageLength"
	InvariantCommitPattern        = "quality.commitMessagePattern"
)

type Rules struct {
	Git       GitRules       `yaml:"git" json:"git"`
	Files     FileRules      `yaml:"files" json:"files"`
	Execution ExecutionRules `yaml:"execution" json:"execution"`
	Quality   QualityRules   `yaml:"quality" json:"quality"`
}

type GitRules struct {
	WorkingBranch         string   `yaml:"working_branch" json:"working_branch"`
	AllowedBranchPatterns []string `yaml:"allowed_branch_patterns" json:"allowed_branch_patterns"`
	ProtectedBranches     []string `yaml:"protected_branches" json:"protected_branches"`
	BlockedOperations     []string `yaml:"blocked_operations" json:"blocked_operations"`
}

type FileRules struct {
	WritablePaths        []string `yaml:"writable_paths" json:"writable_paths"`
	ReadOnlyPaths        []string `yaml:"read_only_paths" json:"read_only_paths"`
	ProtectedFiles       []string `yaml:"protected_files" json:"protected_files"`
	MaxFileSize          int      `yaml:"max_file_size" json:"max_file_size"`
	MaxFilesPerOperation int      `yaml:"max_files_per_operation" json:"max_files_per_operation"`
	BlockedPatterns      []string `yaml:"blocked_patterns" json:"blocked_patterns"`
	ScanSecrets          bool     `yaml:"scan_secrets" json:"scan_secrets"`
}

type ExecutionRules struct {
	MaxToolCallsPerRequest int `yaml:"max_tool_calls_per_request" json:"max_tool_calls_per_request"`
	MinRequestIntervalMs   int `yaml:"min_request_interval_ms" json:"min_request_interval_ms"`
	// MaxConsecutiveFailures stops the work loop after that many implementation
	// attempts in a row made no progress. Zero disables it.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

type QualityRules struct {
	MinCommitMessageLength int      `yaml:"min_commit_message_length" json:"min_commit_message_length"`
	CommitTags             []string `yaml:"commit_tags" json:"commit_tags"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() Rules {
	return Rules{
		Git: GitRules{
			WorkingBranch:         "ai-main",
			AllowedBranchPatterns: []string{"ai-main", "ai-feature/*", "ai-fix/*", "ai-refactor/*"},
			ProtectedBranches:     []string{"main", "master", "production", "release/*"},
			BlockedOperations: []string{
				"push --force",
				"push -f",
				"reset --hard",
				"clean -fd",
				"checkout main",
				"checkout master",
				"merge main",
				"merge master",
			},
		},
		Files: FileRules{
			WritablePaths:        []string{"website/", "data/"},
			ReadOnlyPaths:        []string{"src/", "tests/", "docker/", "Dockerfile", "docker-compose.yml", ".env", ".git/"},
			ProtectedFiles:       []string{"ceo-tasks.md", "package.json", "package-lock.json"},
			MaxFileSize:          100 * 1024,
			MaxFilesPerOperation: 10,
			BlockedPatterns:      []string{"*.exe", "*.dll", "*.sh", ".env*"},
			ScanSecrets:          true,
		},
		Execution: ExecutionRules{
			MaxToolCallsPerRequest: 10,
			MinRequestIntervalMs:   1000,
		},
		Quality: QualityRules{
			MinCommitMessageLength: 10,
			CommitTags:             []string{"feat", "fix", "refactor", "docs", "test", "style", "chore"},
		},
	}
}

// WithDefaults fills zero-valued limits and empty lists from DefaultRules.
func (r Rules) WithDefaults() Rules {
	d := DefaultRules()
	if r.Git.WorkingBranch == "" {
		r.Git.WorkingBranch = d.Git.WorkingBranch
	}
	if r.Git.AllowedBranchPatterns == nil {
		r.Git.AllowedBranchPatterns = d.Git.AllowedBranchPatterns
	}
	if r.Git.ProtectedBranches == nil {
		r.Git.ProtectedBranches = d.Git.ProtectedBranches
	}
	if r.Git.BlockedOperations == nil {
		r.Git.BlockedOperations = d.Git.BlockedOperations
	}
	if r.Files.WritablePaths == nil {
		r.Files.WritablePaths = d.Files.WritablePaths
	}
	if r.Files.ReadOnlyPaths == nil {
		r.Files.ReadOnlyPaths = d.Files.ReadOnlyPaths
	}
	if r.Files.ProtectedFiles == nil {
		r.Files.ProtectedFiles = d.Files.ProtectedFiles
	}
	if r.Files.BlockedPatterns == nil {
		r.Files.BlockedPatterns = d.Files.BlockedPatterns
	}
	if r.Files.MaxFileSize <= 0 {
		r.Files.MaxFileSize = d.Files.MaxFileSize
	}
	if r.Files.MaxFilesPerOperation <= 0 {
		r.Files.MaxFilesPerOperation = d.Files.MaxFilesPerOperation
	}
	if r.Execution.MaxToolCallsPerRequest <= 0 {
		r.Execution.MaxToolCallsPerRequest = d.Execution.MaxToolCallsPerRequest
	}
	if r.Execution.MinRequestIntervalMs < 0 {
		r.Execution.MinRequestIntervalMs = 0
	}
	if r.Execution.MaxConsecutiveFailures < 0 {
		r.Execution.MaxConsecutiveFailures = 0
	}
	if r.Quality.MinCommitMessageLength <= 0 {
		r.Quality.MinCommitMessageLength = d.Quality.MinCommitMessageLength
	}
	if len(r.Quality.CommitTags) == 0 {
		r.Quality.CommitTags = d.Quality.CommitTags
	}
	return r
}
