package policy

import "strings"

// ContentScanner inspects file content before it is written.
type ContentScanner interface {
	Scan(content string) ([]Finding, error)
}

// Checker maps tool invocations onto the rule validators.
type Checker struct {
	Rules   Rules
	Secrets ContentScanner
}

// NewChecker returns a checker for rules. When rules enable secret scanning and
// no scanner is supplied, the gitleaks-backed scanner is used.
func NewChecker(rules Rules, secrets ContentScanner) Checker {
	if secrets == nil && rules.Files.ScanSecrets {
		secrets = NewSecretScanner()
	}
	return Checker{Rules: rules, Secrets: secrets}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// ValidateToolCall validates one parsed tool invocation. Tools without a
// dedicated rule pass.
func (c Checker) ValidateToolCall(tool string, args []string) Result {
	r := c.Rules
	switch tool {
	case "writeFile", "deleteFile", "mkdir":
		op := FileWrite
		switch tool {
		case "deleteFile":
			op = FileDelete
		case "mkdir":
			op = FileCreate
		}
		if res := r.ValidateFileOperation(op, arg(args, 0)); !res.Valid {
			return res
		}
		if tool == "writeFile" {
			content := strings.Join(args[min(1, len(args)):], "|")
			if res := r.ValidateFileSize(content); !res.Valid {
				return res
			}
			if res := c.scanContent(content); !res.Valid {
				return res
			}
		}
		return Allow()

	case "gitAdd":
		// Paths may be separated by "|" or whitespace, as the git tool stages them.
		n := 0
		for _, a := range args {
			n += len(strings.Fields(a))
		}
		return r.ValidateFileCount(n)

	case "gitCheckout":
		return r.ValidateGitOperation("checkout", arg(args, 0))

	case "gitMerge":
		return r.ValidateGitOperation("merge", arg(args, 0))

	case "gitDeleteBranch":
		return r.ValidateGitOperation("delete", arg(args, 0))

	case "gitCreateBranch":
		if res := r.ValidateGitOperation("checkout", "-b "+arg(args, 0)); !res.Valid {
			return res
		}
		return r.ValidateBranchName(arg(args, 0))

	case "gitCommit":
		return r.ValidateCommitMessage(arg(args, 0))

	case "gitPush":
		return r.ValidateForcePush(args)

	case "gitPushNewBranch":
		if res := r.ValidateForcePush(args); !res.Valid {
			return res
		}
		return r.ValidateBranchName(arg(args, 0))

	case "gitPrepareForPR":
		if res := r.ValidateBranchName(arg(args, 0)); !res.Valid {
			return res
		}
		return r.ValidateCommitMessage(arg(args, 1))
	}
	return Allow()
}

func (c Checker) scanContent(content string) Result {
	if c.Secrets == nil || !c.Rules.Files.ScanSecrets || content == "" {
		return Allow()
	}
	findings, err := c.Secrets.Scan(content)
	if err != nil {
		return block(InvariantSecretContent, "Secret scan failed: %v", err)
	}
	if len(findings) > 0 {
		f := findings[0]
		return block(InvariantSecretContent, "Content contains a credential (%s) on line %d", f.RuleID, f.Line)
	}
	return Allow()
}
