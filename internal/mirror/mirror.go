// Package mirror maintains a local working copy of a remote repository.
//
// Sessions read the checkout under a shared lock while background
// synchronization takes the exclusive side, so a question never observes
// a tree mid-update. The lock is writer-preferring: a pending sync blocks
// newly arriving sessions but lets admitted ones finish.
package mirror

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeask/internal/errors"
	"codeask/internal/logging"
)

// RepoState describes the mirrored checkout
type RepoState struct {
	LocalPath  string    `json:"localPath"`
	HeadCommit string    `json:"headCommit"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

// Config contains mirror configuration
type Config struct {
	RemoteURL    string
	Branch       string
	LocalPath    string
	Token        string // optional, injected into https remotes
	FetchTimeout time.Duration
}

// Mirror owns the local working copy and its access discipline
type Mirror struct {
	remoteURL    string
	branch       string
	localPath    string
	token        string
	fetchTimeout time.Duration
	logger       *logging.Logger

	// mu is the session/sync lock. sync.RWMutex blocks new readers once a
	// writer is waiting, which is exactly the fairness policy we need.
	mu    sync.RWMutex
	state RepoState

	// runGit is swapped out in tests
	runGit func(ctx context.Context, dir string, args ...string) (string, error)
}

// Session is a shared-access token on the mirror. End releases it; End is
// safe to call more than once.
type Session struct {
	m     *Mirror
	state RepoState
	once  sync.Once
}

// End releases the session's shared access
func (s *Session) End() {
	s.once.Do(func() {
		s.m.mu.RUnlock()
	})
}

// State returns the snapshot captured when the session began. Holders must
// use this rather than Mirror.State: re-acquiring the read lock from inside
// a session deadlocks once a sync is queued between the two acquisitions.
func (s *Session) State() RepoState {
	return s.state
}

// New creates a mirror. Call Init before anything else.
func New(cfg Config, logger *logging.Logger) *Mirror {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	return &Mirror{
		remoteURL:    cfg.RemoteURL,
		branch:       cfg.Branch,
		localPath:    cfg.LocalPath,
		token:        cfg.Token,
		fetchTimeout: cfg.FetchTimeout,
		logger:       logger,
		runGit:       runGitCommand,
	}
}

// Init clones the remote if the checkout is absent, otherwise verifies the
// existing checkout tracks the expected remote. Failure is fatal at startup.
func (m *Mirror) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	authed := m.authenticatedURL()

	if _, err := os.Stat(filepath.Join(m.localPath, ".git")); err == nil {
		// Existing checkout: repoint origin (the token may have rotated)
		// and make sure the branch matches.
		if _, err := m.runGit(ctx, m.localPath, "remote", "set-url", "origin", authed); err != nil {
			return errors.New(errors.RepoCloneFailed, "failed to update remote URL", err)
		}
		branch, err := m.runGit(ctx, m.localPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return errors.New(errors.RepoCloneFailed, "existing checkout is not usable", err)
		}
		if branch != m.branch {
			return errors.Newf(errors.RepoCloneFailed,
				"existing checkout is on branch %q, expected %q", branch, m.branch)
		}
	} else {
		if err := os.MkdirAll(m.localPath, 0o755); err != nil {
			return errors.New(errors.RepoCloneFailed, "failed to create clone directory", err)
		}
		if _, err := m.runGit(ctx, ".", "clone", "--branch", m.branch, "--single-branch", authed, m.localPath); err != nil {
			return errors.New(errors.RepoCloneFailed, "clone failed", err)
		}
	}

	head, err := m.runGit(ctx, m.localPath, "rev-parse", "HEAD")
	if err != nil {
		return errors.New(errors.RepoCloneFailed, "failed to resolve HEAD", err)
	}

	m.mu.Lock()
	m.state = RepoState{LocalPath: m.localPath, HeadCommit: head, LastSyncAt: time.Now()}
	m.mu.Unlock()

	m.logger.Info("Repository mirror ready", map[string]interface{}{
		"path":   m.localPath,
		"branch": m.branch,
		"head":   head,
	})
	return nil
}

// Sync brings the checkout up to the remote head. It blocks until every
// active session releases, performs the fetch under the exclusive lock, and
// leaves state untouched on failure. Errors are non-fatal; the scheduler
// retries on its next tick.
func (m *Mirror) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	if _, err := m.runGit(ctx, m.localPath, "fetch", "origin", m.branch); err != nil {
		m.logger.Warn("Repository sync failed", map[string]interface{}{"error": err.Error()})
		return errors.New(errors.RepoSyncFailed, "fetch failed", err)
	}
	if _, err := m.runGit(ctx, m.localPath, "reset", "--hard", "origin/"+m.branch); err != nil {
		m.logger.Warn("Repository sync failed", map[string]interface{}{"error": err.Error()})
		return errors.New(errors.RepoSyncFailed, "reset to remote head failed", err)
	}
	head, err := m.runGit(ctx, m.localPath, "rev-parse", "HEAD")
	if err != nil {
		m.logger.Warn("Repository sync failed", map[string]interface{}{"error": err.Error()})
		return errors.New(errors.RepoSyncFailed, "failed to resolve HEAD", err)
	}

	prev := m.state.HeadCommit
	m.state.HeadCommit = head
	m.state.LastSyncAt = time.Now()

	if prev != head {
		m.logger.Info("Repository synced", map[string]interface{}{
			"from": shortCommit(prev),
			"to":   shortCommit(head),
		})
	} else {
		m.logger.Debug("Repository already up to date", map[string]interface{}{"head": shortCommit(head)})
	}
	return nil
}

// BeginSession acquires shared access for the lifetime of one question.
// It blocks while a sync is running or queued. The returned session holds
// the state snapshot taken under the lock.
func (m *Mirror) BeginSession() *Session {
	m.mu.RLock()
	return &Session{m: m, state: m.state}
}

// State returns a snapshot of the mirror state
func (m *Mirror) State() RepoState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Path returns the local checkout path
func (m *Mirror) Path() string {
	return m.localPath
}

// authenticatedURL injects the access token into an https remote URL
// (x-access-token scheme, the form GitHub expects for installation tokens).
func (m *Mirror) authenticatedURL() string {
	if m.token == "" || !strings.HasPrefix(m.remoteURL, "https://") {
		return m.remoteURL
	}
	u, err := url.Parse(m.remoteURL)
	if err != nil {
		return m.remoteURL
	}
	u.User = url.UserPassword("x-access-token", m.token)
	return u.String()
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

// runGitCommand executes git in dir and returns trimmed stdout
func runGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
