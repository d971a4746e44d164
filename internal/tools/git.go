package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const defaultLogCount = 5

type gitTools struct {
	root          string
	remote        string
	defaultBranch string
	repoSlug      string
	auth          transport.AuthMethod
	now           func() time.Time
}

func newGitTools(opts Options) *gitTools {
	g := &gitTools{
		root:          opts.Root,
		remote:        opts.Remote,
		defaultBranch: opts.DefaultBranch,
		repoSlug:      opts.RepoSlug,
		now:           time.Now,
	}
	if g.remote == "" {
		g.remote = git.DefaultRemoteName
	}
	if g.defaultBranch == "" {
		g.defaultBranch = "main"
	}
	if opts.PushToken != "" {
		g.auth = &githttp.BasicAuth{Username: "x-access-token", Password: opts.PushToken}
	}
	return g
}

func registerGitTools(r *Registry, g *gitTools) {
	r.Register("gitStatus", g.status)
	r.Register("gitAdd", g.add)
	r.Register("gitCommit", g.commit)
	r.Register("gitLog", g.log)
	r.Register("gitBranch", g.branch)
	r.Register("gitCreateBranch", g.createBranch)
	r.Register("gitCheckout", g.checkout)
	r.Register("gitMerge", g.merge)
	r.Register("gitDeleteBranch", g.deleteBranch)
	r.Register("gitPull", g.pull)
	r.Register("gitFetch", g.fetch)
	r.Register("gitPush", g.push)
	r.Register("gitPushNewBranch", g.pushNewBranch)
	r.Register("gitPrepareForPR", g.prepareForPR)
}

func (g *gitTools) open() (*git.Repository, *git.Worktree, error) {
	repo, err := git.PlainOpen(g.root)
	if err != nil {
		return nil, nil, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("worktree: %w", err)
	}
	return repo, wt, nil
}

func currentBranch(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached")
	}
	return head.Name().Short(), nil
}

func (g *gitTools) status(_ context.Context, _ Caller, _ []string) (string, error) {
	_, wt, err := g.open()
	if err != nil {
		return "", err
	}
	st, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if st.IsClean() {
		return "nothing to commit, working tree clean", nil
	}
	return st.String(), nil
}

func (g *gitTools) add(_ context.Context, _ Caller, args []string) (string, error) {
	_, wt, err := g.open()
	if err != nil {
		return "", err
	}
	var paths []string
	for _, a := range args {
		paths = append(paths, strings.Fields(a)...)
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		if p == "." {
			if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
				return "", fmt.Errorf("add all: %w", err)
			}
			continue
		}
		if _, err := validatePath(g.root, p); err != nil {
			return "", err
		}
		if _, err := wt.Add(p); err != nil {
			return "", fmt.Errorf("add %s: %w", p, err)
		}
	}
	return "Staged: " + strings.Join(paths, ", "), nil
}

func (g *gitTools) signature(caller Caller) *object.Signature {
	name := caller.Name
	if name == "" {
		name = caller.ID
	}
	return &object.Signature{Name: name, Email: caller.ID + "@crewline.local", When: g.now()}
}

func (g *gitTools) commit(_ context.Context, caller Caller, args []string) (string, error) {
	msg, err := required(args, 0, "message")
	if err != nil {
		return "", err
	}
	_, wt, err := g.open()
	if err != nil {
		return "", err
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: g.signature(caller)})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return "Committed " + hash.String()[:7] + ": " + msg, nil
}

func (g *gitTools) log(_ context.Context, _ Caller, args []string) (string, error) {
	count := defaultLogCount
	if v := arg(args, 0, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid count: %s", v)
		}
		count = n
	}
	repo, _, err := g.open()
	if err != nil {
		return "", err
	}
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return "", fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	var lines []string
	errStop := errors.New("stop")
	err = iter.ForEach(func(c *object.Commit) error {
		if len(lines) >= count {
			return errStop
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		lines = append(lines, c.Hash.String()[:7]+" "+subject)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return "", fmt.Errorf("log: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

func (g *gitTools) branch(_ context.Context, _ Caller, _ []string) (string, error) {
	repo, _, err := g.open()
	if err != nil {
		return "", err
	}
	current, _ := currentBranch(repo)
	iter, err := repo.Branches()
	if err != nil {
		return "", fmt.Errorf("branches: %w", err)
	}
	defer iter.Close()
	var lines []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if name == current {
			lines = append(lines, "* "+name)
		} else {
			lines = append(lines, "  "+name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func (g *gitTools) createBranch(_ context.Context, _ Caller, args []string) (string, error) {
	name, err := required(args, 0, "branchName")
	if err != nil {
		return "", err
	}
	_, wt, err := g.open()
	if err != nil {
		return "", err
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
		Keep:   true,
	})
	if err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}
	return "Created and switched to branch " + name, nil
}

func (g *gitTools) checkout(_ context.Context, _ Caller, args []string) (string, error) {
	name, err := required(args, 0, "branchName")
	if err != nil {
		return "", err
	}
	_, wt, err := g.open()
	if err != nil {
		return "", err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)}); err != nil {
		return "", fmt.Errorf("checkout: %w", err)
	}
	return "Switched to branch " + name, nil
}

// merge fast-forwards the current branch onto the named branch.
func (g *gitTools) merge(_ context.Context, _ Caller, args []string) (string, error) {
	name, err := required(args, 0, "branchName")
	if err != nil {
		return "", err
	}
	repo, wt, err := g.open()
	if err != nil {
		return "", err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if err := repo.Merge(*ref, git.MergeOptions{Strategy: git.FastForwardMerge}); err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.MergeReset}); err != nil {
		return "", fmt.Errorf("update worktree: %w", err)
	}
	return "Merged " + name, nil
}

func (g *gitTools) deleteBranch(_ context.Context, _ Caller, args []string) (string, error) {
	name, err := required(args, 0, "branchName")
	if err != nil {
		return "", err
	}
	repo, _, err := g.open()
	if err != nil {
		return "", err
	}
	if current, err := currentBranch(repo); err == nil && current == name {
		return "", fmt.Errorf("cannot delete the checked out branch %s", name)
	}
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := repo.Reference(refName, false); err != nil {
		return "", fmt.Errorf("branch %s: %w", name, err)
	}
	if err := repo.Storer.RemoveReference(refName); err != nil {
		return "", fmt.Errorf("delete branch: %w", err)
	}
	_ = repo.DeleteBranch(name)
	return "Deleted branch " + name, nil
}

func (g *gitTools) pull(ctx context.Context, _ Caller, _ []string) (string, error) {
	repo, wt, err := g.open()
	if err != nil {
		return "", err
	}
	branch, err := currentBranch(repo)
	if err != nil {
		return "", err
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    g.remote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		Auth:          g.auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "Already up to date", nil
	}
	if err != nil {
		return "", fmt.Errorf("pull: %w", err)
	}
	return "Pulled " + g.remote + "/" + branch, nil
}

func (g *gitTools) fetch(ctx context.Context, _ Caller, _ []string) (string, error) {
	repo, _, err := g.open()
	if err != nil {
		return "", err
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: g.remote, Auth: g.auth})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "Already up to date", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	return "Fetched " + g.remote, nil
}

func (g *gitTools) pushBranch(ctx context.Context, repo *git.Repository, branch string) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%[1]s:refs/heads/%[1]s", branch))
	err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: g.remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       g.auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (g *gitTools) push(ctx context.Context, _ Caller, _ []string) (string, error) {
	repo, _, err := g.open()
	if err != nil {
		return "", err
	}
	branch, err := currentBranch(repo)
	if err != nil {
		return "", err
	}
	if err := g.pushBranch(ctx, repo, branch); err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	return "Pushed " + branch + " to " + g.remote, nil
}

func (g *gitTools) pushNewBranch(ctx context.Context, _ Caller, args []string) (string, error) {
	repo, _, err := g.open()
	if err != nil {
		return "", err
	}
	branch := arg(args, 0, "")
	if branch == "" {
		if branch, err = currentBranch(repo); err != nil {
			return "", err
		}
	}
	if err := g.pushBranch(ctx, repo, branch); err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	cfg, err := repo.Config()
	if err == nil {
		cfg.Branches[branch] = &gitconfig.Branch{
			Name:   branch,
			Remote: g.remote,
			Merge:  plumbing.NewBranchReferenceName(branch),
		}
		_ = repo.SetConfig(cfg)
	}
	return "Pushed new branch " + branch + " to " + g.remote, nil
}

// prepareForPR commits pending work on the current branch, pushes it and
// returns the compare URL when the repository slug is known.
func (g *gitTools) prepareForPR(ctx context.Context, caller Caller, args []string) (string, error) {
	repo, wt, err := g.open()
	if err != nil {
		return "", err
	}
	branch, err := currentBranch(repo)
	if err != nil {
		return "", err
	}
	if branch == g.defaultBranch {
		return "", fmt.Errorf("refusing to open a pull request from %s", branch)
	}
	st, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if !st.IsClean() {
		msg := arg(args, 0, "chore: prepare "+branch+" for review")
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return "", fmt.Errorf("add all: %w", err)
		}
		if _, err := wt.Commit(msg, &git.CommitOptions{Author: g.signature(caller)}); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
	}
	if err := g.pushBranch(ctx, repo, branch); err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	if g.repoSlug == "" {
		return "Branch " + branch + " pushed and ready for review", nil
	}
	return fmt.Sprintf("https://github.com/%s/compare/%s...%s?expand=1", g.repoSlug, g.defaultBranch, branch), nil
}
