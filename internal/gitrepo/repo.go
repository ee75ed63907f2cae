// Package gitrepo wraps the git CLI for the queries and object writes
// accretion needs: loading commit history, resolving and updating refs,
// walking shadow history, and materializing synthetic commits. All access
// goes through the git binary; no repository state is cached between calls.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrRefNotFound is returned when a ref cannot be resolved to a commit.
var ErrRefNotFound = errors.New("ref not found")

// unit and record separators used with git --format to split fields that
// may themselves contain whitespace.
const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Repo executes git commands against a single repository directory.
type Repo struct {
	Dir string
}

// Open returns a Repo for dir after verifying that git is available and the
// directory is inside a git repository.
func Open(ctx context.Context, dir string) (*Repo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--git-dir")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s is not a git repository", dir)
	}
	return &Repo{Dir: dir}, nil
}

// GitDir returns the absolute path of the repository's .git directory.
func (r *Repo) GitDir(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--absolute-git-dir")
}

// run executes a git command and returns its trimmed stdout. Stderr is
// folded into the returned error.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runEnv is run with extra environment variables appended, used by the
// synthetic commit writer to point git at a private index file.
func (r *Repo) runEnv(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(cmd.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ResolveRef resolves a ref (branch name, tag, or sha) to a full commit id.
// Returns ErrRefNotFound if the ref does not exist.
func (r *Repo) ResolveRef(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return out, nil
}

// RefExists reports whether a ref resolves to a commit.
func (r *Repo) RefExists(ctx context.Context, ref string) bool {
	_, err := r.ResolveRef(ctx, ref)
	return err == nil
}

// IsAncestor reports whether commit a is an ancestor of commit b.
func (r *Repo) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.Dir, "merge-base", "--is-ancestor", a, b)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor %s %s: %w", a, b, err)
}

// UpdateRef points ref at sha, creating it if necessary.
func (r *Repo) UpdateRef(ctx context.Context, ref, sha string) error {
	if _, err := r.run(ctx, "update-ref", ref, sha); err != nil {
		return fmt.Errorf("updating ref %s: %w", ref, err)
	}
	return nil
}

// DeleteRef removes ref. Deleting a ref that does not exist is not an error.
func (r *Repo) DeleteRef(ctx context.Context, ref string) error {
	if !r.RefExists(ctx, ref) {
		return nil
	}
	if _, err := r.run(ctx, "update-ref", "-d", ref); err != nil {
		return fmt.Errorf("deleting ref %s: %w", ref, err)
	}
	return nil
}

// Commit is one record from a history load: a commit id, its parent ids in
// order, and the first line of its message.
type Commit struct {
	ID      string
	Parents []string
	Summary string
}

// Log returns every commit reachable from ref, newest first, with parent
// ids and summaries. This is the single bulk read the commit graph is built
// from.
func (r *Repo) Log(ctx context.Context, ref string) ([]Commit, error) {
	out, err := r.run(ctx, "log", "--format=%H"+fieldSep+"%P"+fieldSep+"%s", ref)
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", ref, err)
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, fieldSep, 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("unexpected log line %q", line)
		}
		c := Commit{ID: parts[0], Summary: parts[2]}
		if parts[1] != "" {
			c.Parents = strings.Fields(parts[1])
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// Message returns the full commit message (subject and body) of sha.
func (r *Repo) Message(ctx context.Context, sha string) (string, error) {
	out, err := r.run(ctx, "log", "-1", "--format=%B", sha)
	if err != nil {
		return "", fmt.Errorf("reading message of %s: %w", sha, err)
	}
	return out, nil
}

// Patch returns the textual diff introduced by sha against its first
// parent. For a root commit this is the full content of its tree.
func (r *Repo) Patch(ctx context.Context, sha string) (string, error) {
	out, err := r.run(ctx, "show", "--format=", "--patch", sha)
	if err != nil {
		return "", fmt.Errorf("reading patch of %s: %w", sha, err)
	}
	return out, nil
}

// FileAt returns the content of path in the tree of sha.
func (r *Repo) FileAt(ctx context.Context, sha, path string) (string, error) {
	out, err := r.run(ctx, "show", sha+":"+path)
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", path, short(sha), err)
	}
	return out, nil
}

// MessageEntry pairs a commit id with its full message, as produced by
// LogMessages.
type MessageEntry struct {
	ID      string
	Message string
}

// LogMessages returns commit ids and full messages reachable from ref,
// newest first. Used to recover original-id tags from shadow history.
func (r *Repo) LogMessages(ctx context.Context, ref string) ([]MessageEntry, error) {
	out, err := r.run(ctx, "log", "--format=%H"+fieldSep+"%B"+recordSep, ref)
	if err != nil {
		return nil, fmt.Errorf("loading messages of %s: %w", ref, err)
	}
	var entries []MessageEntry
	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, fieldSep, 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("unexpected log record %q", rec)
		}
		entries = append(entries, MessageEntry{ID: parts[0], Message: parts[1]})
	}
	return entries, nil
}

// FirstParentWalk returns up to limit commit ids reachable from ref by
// following only first parents, tip first.
func (r *Repo) FirstParentWalk(ctx context.Context, ref string, limit int) ([]string, error) {
	out, err := r.run(ctx, "rev-list", "--first-parent", fmt.Sprintf("-n%d", limit), ref)
	if err != nil {
		return nil, fmt.Errorf("walking first parents of %s: %w", ref, err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
