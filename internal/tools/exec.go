package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxTestOutput = 4096

func registerTestTool(r *Registry, root, command string, timeout time.Duration) {
	r.Register("runTests", func(ctx context.Context, _ Caller, _ []string) (string, error) {
		if strings.TrimSpace(command) == "" {
			return "no test command configured", nil
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		output := tailOutput(string(out))
		if err != nil {
			return "", fmt.Errorf("tests failed: %w\n%s", err, output)
		}
		return output, nil
	})
}

func tailOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxTestOutput {
		return s
	}
	return "..." + s[len(s)-maxTestOutput:]
}
