package policy

import (
	"fmt"
	"path"
	"strings"
)

// Result is the outcome of a validation. Blocked results carry a reason and
// the identifier of the rule that rejected the operation.
type Result struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	Invariant string `json:"invariant,omitempty"`
}

// Allow is the passing result.
func Allow() Result { return Result{Valid: true} }

func block(invariant, format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...), Invariant: invariant}
}

// FileOp is the kind of filesystem access being validated.
type FileOp string

const (
	FileRead   FileOp = "read"
	FileWrite  FileOp = "write"
	FileDelete FileOp = "delete"
	FileCreate FileOp = "create"
)

func (op FileOp) mutates() bool {
	return op == FileWrite || op == FileDelete || op == FileCreate
}

// normalizePath lowercases, converts separators and strips leading "./" and "/".
// Prefixes keep their trailing slash; targets go through cleanPath.
func normalizePath(p string) string {
	p = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"))
	for {
		switch {
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			return p
		}
	}
}

// cleanPath normalizes a target path and resolves "." and ".." segments so
// the prefix rules see the path the file tools will actually touch.
func cleanPath(p string) string {
	p = path.Clean(normalizePath(p))
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func escapesRoot(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../")
}

// underPrefix reports whether p lies under prefix. A prefix ending in "/" is a
// directory; otherwise it names a file or a directory and matches exactly or
// as a parent path.
func underPrefix(p, prefix string) bool {
	prefix = normalizePath(prefix)
	if prefix == "" {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/")
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func matchesPattern(p, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if ok, _ := path.Match(pattern, path.Base(p)); ok {
		return true
	}
	ok, _ := path.Match(pattern, p)
	return ok
}

// ValidateFileOperation rejects paths leaving the workspace, then checks protected files, then read-only prefixes, then
// the writable whitelist, then blocked filename patterns. The first failing
// rule wins.
func (r Rules) ValidateFileOperation(op FileOp, filePath string) Result {
	p := cleanPath(filePath)
	if escapesRoot(p) {
		return block(InvariantWritablePaths, "Path escapes the workspace: %s", filePath)
	}

	for _, protected := range r.Files.ProtectedFiles {
		if strings.HasSuffix(p, strings.ToLower(protected)) {
			return block(InvariantProtectedFiles, "Cannot modify protected file: %s", protected)
		}
	}

	if op.mutates() {
		for _, readOnly := range r.Files.ReadOnlyPaths {
			if underPrefix(p, readOnly) {
				return block(InvariantReadOnlyPaths, "Cannot %s in read-only path: %s", op, readOnly)
			}
		}
		writable := false
		for _, wp := range r.Files.WritablePaths {
			if underPrefix(p, wp) {
				writable = true
				break
			}
		}
		if !writable {
			return block(InvariantWritablePaths, "Path not in writable directories: %s", filePath)
		}
	}

	for _, pattern := range r.Files.BlockedPatterns {
		if matchesPattern(p, pattern) {
			return block(InvariantBlockedPatterns, "File matches blocked pattern: %s", pattern)
		}
	}
	return Allow()
}

// ValidateFileSize rejects content larger than the configured ceiling.
func (r Rules) ValidateFileSize(content string) Result {
	size := len(content)
	if r.Files.MaxFileSize > 0 && size > r.Files.MaxFileSize {
		return block(InvariantMaxFileSize, "File too large: %d bytes (max: %d)", size, r.Files.MaxFileSize)
	}
	return Allow()
}

// ValidateFileCount rejects operations touching more files than allowed at once.
func (r Rules) ValidateFileCount(n int) Result {
	if r.Files.MaxFilesPerOperation > 0 && n > r.Files.MaxFilesPerOperation {
		return block(InvariantMaxFilesPerOperation, "Too many files in one operation: %d (max: %d)", n, r.Files.MaxFilesPerOperation)
	}
	return Allow()
}

// ValidateGitOperation rejects any "<operation> <args>" containing a blocked
// substring, and checkout/merge/delete targeting a protected branch.
func (r Rules) ValidateGitOperation(operation, args string) Result {
	full := strings.TrimSpace(strings.ToLower(operation + " " + args))
	for _, blocked := range r.Git.BlockedOperations {
		if blocked == "" {
			continue
		}
		if strings.Contains(full, strings.ToLower(blocked)) {
			return block(InvariantBlockedOperations, "Blocked git operation: %s", blocked)
		}
	}

	switch strings.ToLower(operation) {
	case "checkout", "merge", "delete":
		for _, field := range strings.Fields(strings.ToLower(args)) {
			if r.isProtectedBranch(field) {
				return block(InvariantProtectedBranches, "Cannot %s protected branch: %s", operation, args)
			}
		}
	}
	return Allow()
}

func (r Rules) isProtectedBranch(branch string) bool {
	branch = strings.TrimPrefix(branch, "refs/heads/")
	for _, protected := range r.Git.ProtectedBranches {
		protected = strings.ToLower(protected)
		if branch == protected || branch == strings.TrimSuffix(protected, "/*") {
			return true
		}
		if ok, _ := path.Match(protected, branch); ok {
			return true
		}
	}
	return false
}

// ValidateBranchName requires new branches to follow the working branch or one
// of the allowed patterns.
func (r Rules) ValidateBranchName(branch string) Result {
	b := strings.ToLower(strings.TrimSpace(branch))
	if b == "" {
		return block(InvariantAllowedBranches, "Branch name required")
	}
	if r.isProtectedBranch(b) {
		return block(InvariantProtectedBranches, "Cannot create protected branch: %s", branch)
	}
	if b == strings.ToLower(r.Git.WorkingBranch) {
		return Allow()
	}
	for _, pattern := range r.Git.AllowedBranchPatterns {
		if ok, _ := path.Match(strings.ToLower(pattern), b); ok {
			return Allow()
		}
	}
	return block(InvariantAllowedBranches, "Branch %s does not match allowed patterns: %s", branch, strings.Join(r.Git.AllowedBranchPatterns, ", "))
}

// ValidateCommitMessage enforces the minimum length and a leading category tag.
func (r Rules) ValidateCommitMessage(message string) Result {
	if len(message) < r.Quality.MinCommitMessageLength {
		return block(InvariantCommitLength, "Commit message too short (min: %d chars)", r.Quality.MinCommitMessageLength)
	}
	for _, tag := range r.Quality.CommitTags {
		if strings.HasPrefix(message, "["+tag+"]") {
			return Allow()
		}
	}
	tags := make([]string, 0, len(r.Quality.CommitTags))
	for _, tag := range r.Quality.CommitTags {
		tags = append(tags, "["+tag+"]")
	}
	return block(InvariantCommitPattern, "Commit message must start with one of %s", strings.Join(tags, ", "))
}

// ValidateForcePush rejects push arguments carrying a force flag or a forced refspec.
func (r Rules) ValidateForcePush(args []string) Result {
	for _, arg := range args {
		for _, field := range strings.Fields(strings.ToLower(arg)) {
			if field == "-f" || field == "--force" || strings.HasPrefix(field, "--force-") || strings.HasPrefix(field, "+") {
				return block(InvariantBlockedOperations, "Force push is not allowed")
			}
		}
	}
	return Allow()
}
