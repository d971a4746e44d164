// Package tools implements the effectful operations agents invoke through
// <tool:NAME> calls. Tools do no policy checking of their own; callers validate
// each call before executing it.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrUnknownTool = errors.New("unknown tool")

// Caller identifies the agent on whose behalf a tool runs.
type Caller struct {
	ID   string
	Name string
}

type Func func(ctx context.Context, caller Caller, args []string) (string, error)

type Registry struct {
	tools map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Func{}}
}

func (r *Registry) Register(name string, fn Func) {
	r.tools[name] = fn
}

func (r *Registry) Execute(ctx context.Context, caller Caller, name string, args []string) (string, error) {
	fn, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return fn(ctx, caller, args)
}

// Names lists registered tools in alphabetical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options configures the workspace-bound tool set.
type Options struct {
	Root          string
	Remote        string
	DefaultBranch string
	RepoSlug      string
	PushToken     string
	TestCommand   string
	TestTimeout   time.Duration
}

// NewWorkspace registers the file, git and test tools rooted at opts.Root.
func NewWorkspace(opts Options) *Registry {
	r := NewRegistry()
	registerFileTools(r, opts.Root)
	registerGitTools(r, newGitTools(opts))
	registerTestTool(r, opts.Root, opts.TestCommand, opts.TestTimeout)
	return r
}

// arg returns args[i] trimmed, or def when absent or blank.
func arg(args []string, i int, def string) string {
	if i < len(args) {
		if v := strings.TrimSpace(args[i]); v != "" {
			return v
		}
	}
	return def
}

func required(args []string, i int, name string) (string, error) {
	v := arg(args, i, "")
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}
