package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFileOperation(t *testing.T) {
	r := DefaultRules()
	cases := []struct {
		name      string
		op        FileOp
		path      string
		invariant string
	}{
		{"writable page", FileWrite, "website/index.html", ""},
		{"writable data", FileCreate, "data/cache", ""},
		{"windows separators", FileWrite, `website\css\site.css`, ""},
		{"leading dot slash", FileWrite, "./website/app.js", ""},
		{"protected beats writable", FileWrite, "website/package.json", InvariantProtectedFiles},
		{"protected task source", FileDelete, "ceo-tasks.md", InvariantProtectedFiles},
		{"read only source", FileWrite, "src/index.js", InvariantReadOnlyPaths},
		{"dot dot into read only source", FileWrite, "website/../src/x.js", InvariantReadOnlyPaths},
		{"dot dot into git dir", FileWrite, "data/../.git/config", InvariantReadOnlyPaths},
		{"dot dot into tests", FileDelete, "data/../tests/x.test.js", InvariantReadOnlyPaths},
		{"dot dot onto read only file", FileWrite, "website/../Dockerfile", InvariantReadOnlyPaths},
		{"dot dot out of whitelist", FileCreate, "website/../docs/notes.md", InvariantWritablePaths},
		{"dot dot within whitelist", FileWrite, "website/css/../index.html", ""},
		{"escapes workspace", FileWrite, "website/../../etc/passwd", InvariantWritablePaths},
		{"read escaping workspace", FileRead, "../secrets.txt", InvariantWritablePaths},
		{"read only file entry", FileDelete, "Dockerfile", InvariantReadOnlyPaths},
		{"read only git dir", FileCreate, ".git/hooks", InvariantReadOnlyPaths},
		{"outside whitelist", FileWrite, "docs/readme.md", InvariantWritablePaths},
		{"blocked script", FileWrite, "website/deploy.sh", InvariantBlockedPatterns},
		{"blocked env", FileWrite, "website/.env.local", InvariantBlockedPatterns},
		{"script-like name is fine", FileWrite, "website/publish.js", ""},
		{"read skips whitelist", FileRead, "src/index.js", ""},
		{"read still checks patterns", FileRead, "tools/run.exe", InvariantBlockedPatterns},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := r.ValidateFileOperation(tc.op, tc.path)
			if tc.invariant == "" {
				assert.True(t, res.Valid, res.Reason)
				return
			}
			assert.False(t, res.Valid)
			assert.Equal(t, tc.invariant, res.Invariant)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestProtectedFileAlwaysWins(t *testing.T) {
	r := DefaultRules()
	for _, prefix := range append([]string{""}, r.Files.WritablePaths...) {
		for _, protected := range r.Files.ProtectedFiles {
			for _, op := range []FileOp{FileWrite, FileDelete, FileCreate} {
				res := r.ValidateFileOperation(op, prefix+protected)
				require.False(t, res.Valid)
				require.Equal(t, InvariantProtectedFiles, res.Invariant, "%s %s", op, prefix+protected)
			}
		}
	}
}

func TestValidateFileSize(t *testing.T) {
	r := DefaultRules()
	assert.True(t, r.ValidateFileSize(strings.Repeat("a", 100*1024)).Valid)
	res := r.ValidateFileSize(strings.Repeat("a", 100*1024+1))
	assert.False(t, res.Valid)
	assert.Equal(t, InvariantMaxFileSize, res.Invariant)
}

func TestValidateGitOperation(t *testing.T) {
	r := DefaultRules()
	cases := []struct {
		op, args  string
		invariant string
	}{
		{"push", "--force origin ai-main", InvariantBlockedOperations},
		{"PUSH", "-F", InvariantBlockedOperations},
		{"reset", "--hard HEAD~1", InvariantBlockedOperations},
		{"checkout", "master", InvariantBlockedOperations},
		{"checkout", "production", InvariantProtectedBranches},
		{"merge", "release/2.0", InvariantProtectedBranches},
		{"checkout", "release", InvariantProtectedBranches},
		{"checkout", "ai-feature/search", ""},
		{"merge", "ai-fix/login", ""},
		{"status", "", ""},
	}
	for _, tc := range cases {
		res := r.ValidateGitOperation(tc.op, tc.args)
		if tc.invariant == "" {
			assert.True(t, res.Valid, "%s %s: %s", tc.op, tc.args, res.Reason)
			continue
		}
		assert.False(t, res.Valid, "%s %s", tc.op, tc.args)
		assert.Equal(t, tc.invariant, res.Invariant, "%s %s", tc.op, tc.args)
	}
}

func TestValidateCommitMessage(t *testing.T) {
	r := DefaultRules()

	res := r.ValidateCommitMessage("[fix] x")
	assert.False(t, res.Valid)
	assert.Equal(t, InvariantCommitLength, res.Invariant)

	assert.True(t, r.ValidateCommitMessage("[feat] Add search filter").Valid)

	res = r.ValidateCommitMessage("Add search filter to results page")
	assert.False(t, res.Valid)
	assert.Equal(t, InvariantCommitPattern, res.Invariant)

	res = r.ValidateCommitMessage("[wip] Add search filter")
	assert.Equal(t, InvariantCommitPattern, res.Invariant)
}

func TestValidateBranchName(t *testing.T) {
	r := DefaultRules()
	assert.True(t, r.ValidateBranchName("ai-main").Valid)
	assert.True(t, r.ValidateBranchName("ai-feature/search").Valid)
	assert.Equal(t, InvariantAllowedBranches, r.ValidateBranchName("feature/search").Invariant)
	assert.Equal(t, InvariantProtectedBranches, r.ValidateBranchName("release/1.0").Invariant)
}

type fakeScanner struct {
	findings []Finding
	err      error
}

func (f fakeScanner) Scan(string) ([]Finding, error) { return f.findings, f.err }

func TestValidateToolCall(t *testing.T) {
	c := NewChecker(DefaultRules(), fakeScanner{})

	assert.True(t, c.ValidateToolCall("readFile", []string{"src/index.js"}).Valid)
	assert.True(t, c.ValidateToolCall("writeFile", []string{"website/a.html", "<p>hi</p>"}).Valid)
	assert.Equal(t, InvariantReadOnlyPaths, c.ValidateToolCall("writeFile", []string{"src/a.js", "x"}).Invariant)
	assert.Equal(t, InvariantReadOnlyPaths, c.ValidateToolCall("writeFile", []string{"website/../src/index.js", "pwned"}).Invariant)
	assert.Equal(t, InvariantReadOnlyPaths, c.ValidateToolCall("deleteFile", []string{`website\..\.git\config`}).Invariant)
	assert.Equal(t, InvariantMaxFileSize, c.ValidateToolCall("writeFile", []string{"website/big.txt", strings.Repeat("x", 200*1024)}).Invariant)
	assert.Equal(t, InvariantWritablePaths, c.ValidateToolCall("mkdir", []string{"lib"}).Invariant)
	assert.Equal(t, InvariantProtectedFiles, c.ValidateToolCall("deleteFile", []string{"package-lock.json"}).Invariant)
	assert.Equal(t, InvariantBlockedOperations, c.ValidateToolCall("gitCheckout", []string{"main"}).Invariant)
	assert.Equal(t, InvariantProtectedBranches, c.ValidateToolCall("gitMerge", []string{"production"}).Invariant)
	assert.Equal(t, InvariantProtectedBranches, c.ValidateToolCall("gitDeleteBranch", []string{"release/1.2"}).Invariant)
	assert.Equal(t, InvariantCommitPattern, c.ValidateToolCall("gitCommit", []string{"did some things today"}).Invariant)
	assert.True(t, c.ValidateToolCall("gitCommit", []string{"[docs] Update the readme"}).Valid)
	assert.Equal(t, InvariantBlockedOperations, c.ValidateToolCall("gitPush", []string{"ai-main", "--force"}).Invariant)
	assert.True(t, c.ValidateToolCall("gitPush", []string{"ai-fix/login"}).Valid)
	assert.Equal(t, InvariantAllowedBranches, c.ValidateToolCall("gitPushNewBranch", []string{"hotfix"}).Invariant)
	assert.Equal(t, InvariantMaxFilesPerOperation, c.ValidateToolCall("gitAdd", []string{"a b c d e f g h i j k"}).Invariant)
	assert.Equal(t, InvariantMaxFilesPerOperation, c.ValidateToolCall("gitAdd", []string{"a b c d e", "f g", "h i j k"}).Invariant)
	assert.True(t, c.ValidateToolCall("gitAdd", []string{"a.js b.js", " ", "c.js"}).Valid)
	assert.True(t, c.ValidateToolCall("gitStatus", nil).Valid)
	assert.True(t, c.ValidateToolCall("unknownTool", []string{"whatever"}).Valid)
}

func TestValidateToolCallSecretContent(t *testing.T) {
	c := NewChecker(DefaultRules(), fakeScanner{findings: []Finding{{RuleID: "github-pat", Line: 3}}})
	res := c.ValidateToolCall("writeFile", []string{"website/config.js", "token"})
	assert.False(t, res.Valid)
	assert.Equal(t, InvariantSecretContent, res.Invariant)
	assert.Contains(t, res.Reason, "github-pat")

	c = NewChecker(DefaultRules(), fakeScanner{err: errors.New("boom")})
	assert.Equal(t, InvariantSecretContent, c.ValidateToolCall("writeFile", []string{"website/a.js", "x"}).Invariant)

	rules := DefaultRules()
	rules.Files.ScanSecrets = false
	c = NewChecker(rules, fakeScanner{findings: []Finding{{RuleID: "x"}}})
	assert.True(t, c.ValidateToolCall("writeFile", []string{"website/a.js", "x"}).Valid)
}

func TestSecretScannerCleanContent(t *testing.T) {
	findings, err := NewSecretScanner().Scan("<h1>Welcome</h1>\n<p>Search the catalog.</p>\n")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestPromptMentionsRules(t *testing.T) {
	p := DefaultRules().Prompt()
	assert.Contains(t, p, "ai-main")
	assert.Contains(t, p, "website/, data/")
	assert.Contains(t, p, "ceo-tasks.md")
	assert.Contains(t, p, "Max 10 tool calls")
	assert.Contains(t, p, "BLOCKED")
}

func TestWithDefaults(t *testing.T) {
	var r Rules
	r = r.WithDefaults()
	assert.Equal(t, DefaultRules().Files.MaxFileSize, r.Files.MaxFileSize)
	assert.Equal(t, DefaultRules().Git.ProtectedBranches, r.Git.ProtectedBranches)

	custom := Rules{Files: FileRules{WritablePaths: []string{"public/"}}}.WithDefaults()
	assert.Equal(t, []string{"public/"}, custom.Files.WritablePaths)
}
