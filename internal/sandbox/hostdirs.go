package sandbox

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// HostDirs are the per-session host directories bind-mounted into a sandbox.
type HostDirs struct {
	Workspace string
	Agent     string
	Git       string
}

// PrepareHostDirs creates <stateDir>/sessions/<sessionID>/{workspace,agent,git}.
func PrepareHostDirs(stateDir, sessionID string) (*HostDirs, error) {
	base := filepath.Join(stateDir, "sessions", sessionID)
	dirs := &HostDirs{
		Workspace: filepath.Join(base, "workspace"),
		Agent:     filepath.Join(base, "agent"),
		Git:       filepath.Join(base, "git"),
	}
	for _, d := range []string{dirs.Workspace, dirs.Agent, dirs.Git} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("prepare session dirs: %w", err)
		}
	}
	return dirs, nil
}

// RemoveHostDirs deletes a session's host-side artifacts.
func RemoveHostDirs(stateDir, sessionID string) error {
	return os.RemoveAll(filepath.Join(stateDir, "sessions", sessionID))
}

// WriteSecretsDir writes the decrypted secrets into a private directory that
// providers mount read-only. Each value lands in its own 0400 file named by
// position, never by the env-var name — the manifest maps env-var name to
// filename, so user-controlled names cannot traverse paths.
func WriteSecretsDir(secretsBaseDir, sessionID string, env map[string]string) (string, error) {
	dir := filepath.Join(secretsBaseDir, "pi-secrets-"+sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset secrets dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create secrets dir: %w", err)
	}

	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	var manifest strings.Builder
	for i, name := range names {
		filename := fmt.Sprintf("secret-%03d", i)
		path := filepath.Join(dir, filename)
		if err := os.WriteFile(path, []byte(env[name]), 0o400); err != nil {
			return "", fmt.Errorf("write secret file: %w", err)
		}
		fmt.Fprintf(&manifest, "%s=%s\n", name, filename)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest"), []byte(manifest.String()), 0o400); err != nil {
		return "", fmt.Errorf("write secrets manifest: %w", err)
	}
	return dir, nil
}

// RemoveSecretsDir deletes a session's secrets directory.
func RemoveSecretsDir(secretsBaseDir, sessionID string) error {
	return os.RemoveAll(filepath.Join(secretsBaseDir, "pi-secrets-"+sessionID))
}

// WriteGitDir writes git credentials and identity into the session's git
// directory, which providers mount read-only at the container git config
// location.
func WriteGitDir(gitDir, token, authorName, authorEmail string) error {
	if authorName == "" {
		authorName = "pi"
	}
	if authorEmail == "" {
		authorEmail = "pi@localhost"
	}
	gitconfig := fmt.Sprintf("[user]\n\tname = %s\n\temail = %s\n[credential]\n\thelper = store --file /home/pi/.git-credentials\n", authorName, authorEmail)
	if err := os.WriteFile(filepath.Join(gitDir, "gitconfig"), []byte(gitconfig), 0o400); err != nil {
		return fmt.Errorf("write gitconfig: %w", err)
	}
	if token != "" {
		creds := fmt.Sprintf("https://x-access-token:%s@github.com\n", token)
		if err := os.WriteFile(filepath.Join(gitDir, "git-credentials"), []byte(creds), 0o400); err != nil {
			return fmt.Errorf("write git credentials: %w", err)
		}
	}
	return nil
}

// CloneURLWithToken injects a token into an https clone URL. The caller must
// rewrite origin to CleanCloneURL after cloning so the token never persists
// in the repo config.
func CloneURLWithToken(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return "", fmt.Errorf("clone URL must be https: %q", repoURL)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// CleanCloneURL strips any userinfo from a clone URL.
func CleanCloneURL(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil {
		return repoURL
	}
	u.User = nil
	return u.String()
}
