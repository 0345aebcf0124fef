// Package github is the thin GitHub REST wrapper the relay consumes: listing
// the user's repositories and resolving one into clone material. The token
// comes from the vault on every call, so rotation needs no restart.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pirelay/relay/internal/engine"
)

const apiBase = "https://api.github.com"

// ErrNoToken is returned when no GitHub token is stored.
var ErrNoToken = errors.New("github: no token configured")

// TokenSource supplies the current API token; empty string means none.
type TokenSource interface {
	GitHubToken(ctx context.Context) (string, error)
}

// Repo is one listable repository.
type Repo struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Description   string `json:"description,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// Client calls the GitHub REST API v3.
type Client struct {
	tokens TokenSource
	http   *http.Client
	base   string
}

func NewClient(tokens TokenSource) *Client {
	return &Client{tokens: tokens, http: &http.Client{Timeout: 30 * time.Second}, base: apiBase}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	token, err := c.tokens.GitHubToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNoToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github %s: %s: %s", path, resp.Status, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListRepos returns the token owner's repositories, most recently pushed
// first.
func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var repos []Repo
	if err := c.get(ctx, "/user/repos?per_page=100&sort=pushed", &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// ResolveRepo implements the engine's RepoResolver over the repositories API.
func (c *Client) ResolveRepo(ctx context.Context, repoID string) (*engine.RepoInfo, error) {
	if _, err := strconv.ParseInt(repoID, 10, 64); err != nil {
		return nil, fmt.Errorf("github: repo id must be numeric, got %q", repoID)
	}
	var repo Repo
	if err := c.get(ctx, "/repositories/"+repoID, &repo); err != nil {
		return nil, err
	}
	return &engine.RepoInfo{
		ID:            repoID,
		FullName:      repo.FullName,
		CloneURL:      repo.CloneURL,
		DefaultBranch: repo.DefaultBranch,
	}, nil
}
