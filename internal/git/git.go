// Package git wraps the git operations Kingdom needs via subprocess.
package git

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// GitError carries the raw output of a failed git command so callers can
// surface it verbatim.
type GitError struct {
	Command string
	Args    []string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Git runs git commands in a fixed working directory.
type Git struct {
	workDir string
}

// New creates a Git wrapper for the given directory.
func New(workDir string) *Git {
	return &Git{workDir: workDir}
}

// WorkDir returns the working directory.
func (g *Git) WorkDir() string { return g.workDir }

// Available reports whether a git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// run executes a git command and returns trimmed stdout.
func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if g.workDir != "" {
		cmd.Dir = g.workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		command := ""
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				command = a
				break
			}
		}
		return "", &GitError{
			Command: command,
			Args:    args,
			Stdout:  strings.TrimSpace(stdout.String()),
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepo reports whether workDir is inside a git work tree.
func (g *Git) IsRepo() bool {
	out, err := g.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists checks whether a local branch exists.
func (g *Git) BranchExists(name string) bool {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CreateBranch creates a branch at HEAD.
func (g *Git) CreateBranch(name string) error {
	_, err := g.run("branch", name)
	return err
}

// Checkout checks out the given ref.
func (g *Git) Checkout(ref string) error {
	_, err := g.run("checkout", ref)
	return err
}

// Add stages paths.
func (g *Git) Add(paths ...string) error {
	_, err := g.run(append([]string{"add", "--"}, paths...)...)
	return err
}

// Commit records a commit with the given message. Returns an error when
// there is nothing staged.
func (g *Git) Commit(message string) error {
	_, err := g.run("commit", "-m", message)
	return err
}

// Mv renames a tracked file, preserving history.
func (g *Git) Mv(src, dst string) error {
	_, err := g.run("mv", "--", src, dst)
	return err
}

// HasChangesUnder reports whether the path has staged, unstaged, or
// untracked changes.
func (g *Git) HasChangesUnder(path string) (bool, error) {
	out, err := g.run("status", "--porcelain", "--", path)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Merge merges the given branch into the current branch.
func (g *Git) Merge(branch string) error {
	_, err := g.run("merge", branch)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch from HEAD.
func (g *Git) WorktreeAdd(path, branch string) error {
	_, err := g.run("worktree", "add", "-b", branch, path)
	return err
}

// WorktreeAddExisting creates a worktree at path for an existing branch.
func (g *Git) WorktreeAddExisting(path, branch string) error {
	_, err := g.run("worktree", "add", path, branch)
	return err
}

// WorktreeRemove removes the worktree at path.
func (g *Git) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(args...)
	return err
}

// WorktreePrune drops worktree records whose directories are gone.
func (g *Git) WorktreePrune() error {
	_, err := g.run("worktree", "prune")
	return err
}

// Worktree is one entry from git worktree list.
type Worktree struct {
	Path   string
	Branch string
	Commit string
}

// WorktreeList returns all worktrees of the repository.
func (g *Git) WorktreeList() ([]Worktree, error) {
	out, err := g.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var worktrees []Worktree
	var current Worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Worktree{}
			}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}
