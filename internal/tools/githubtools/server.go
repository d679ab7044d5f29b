// Package githubtools exposes GitHub repository evidence as MCP tools. The
// server runs in-process and is reached through tools.InProcess.
package githubtools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v58/github"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/tools"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Tool names.
const (
	ToolRepositorySecurity = "get_repository_security"
	ToolListCollaborators  = "list_collaborators"
	ToolListRecentCommits  = "list_recent_commits"
)

const (
	serverName    = "github-evidence"
	serverVersion = "0.1.0"
	maxPages      = 5
	perPage       = 100
)

// RepoInput identifies a repository.
type RepoInput struct {
	Owner string `json:"owner" jsonschema:"repository owner or organization"`
	Repo  string `json:"repo" jsonschema:"repository name"`
}

func (in RepoInput) validate() error {
	if strings.TrimSpace(in.Owner) == "" || strings.TrimSpace(in.Repo) == "" {
		return errors.New("owner and repo are required")
	}
	return nil
}

// CommitsInput selects recent commits.
type CommitsInput struct {
	Owner     string `json:"owner" jsonschema:"repository owner or organization"`
	Repo      string `json:"repo" jsonschema:"repository name"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of commits (default 30)"`
	SinceDays int    `json:"since_days,omitempty" jsonschema:"only commits from the last N days"`
}

// BranchProtection summarizes the protection rules of a branch.
type BranchProtection struct {
	Branch                  string `json:"branch"`
	Protected               bool   `json:"protected"`
	RequiredReviews         int    `json:"required_reviews"`
	DismissStaleReviews     bool   `json:"dismiss_stale_reviews"`
	RequireCodeOwnerReviews bool   `json:"require_code_owner_reviews"`
	StrictStatusChecks      bool   `json:"strict_status_checks"`
	EnforceAdmins           bool   `json:"enforce_admins"`
	AllowForcePushes        bool   `json:"allow_force_pushes"`
	RequireLinearHistory    bool   `json:"require_linear_history"`
	RequireSignedCommits    bool   `json:"require_signed_commits"`
}

// RepositorySecurity is the output of get_repository_security.
type RepositorySecurity struct {
	FullName            string           `json:"full_name"`
	Visibility          string           `json:"visibility"`
	Private             bool             `json:"private"`
	Archived            bool             `json:"archived"`
	DefaultBranch       string           `json:"default_branch"`
	Topics              []string         `json:"topics"`
	VulnerabilityAlerts bool             `json:"vulnerability_alerts"`
	BranchProtection    BranchProtection `json:"branch_protection"`
}

// Collaborator is one repository collaborator and their effective permissions.
type Collaborator struct {
	Login       string   `json:"login"`
	Admin       bool     `json:"admin"`
	Permissions []string `json:"permissions"`
}

// CollaboratorList is the output of list_collaborators.
type CollaboratorList struct {
	Count         int            `json:"count"`
	Admins        int            `json:"admins"`
	Collaborators []Collaborator `json:"collaborators"`
}

// Commit is one commit summary.
type Commit struct {
	SHA      string    `json:"sha"`
	Message  string    `json:"message"`
	Author   string    `json:"author"`
	Date     time.Time `json:"date"`
	Verified bool      `json:"verified"`
}

// CommitList is the output of list_recent_commits.
type CommitList struct {
	Count    int      `json:"count"`
	Verified int      `json:"verified"`
	Commits  []Commit `json:"commits"`
}

// Server serves the evidence tools for one authenticated GitHub client.
type Server struct {
	client *github.Client
	logger *zap.Logger
}

// NewServer builds the MCP server around client.
func NewServer(client *github.Client, logger *zap.Logger) *mcp.Server {
	s := &Server{client: client, logger: logger.Named("github_tools")}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolRepositorySecurity,
		Description: "Security posture of a repository: visibility, default branch protection and vulnerability alerts",
	}, s.handleRepositorySecurity)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolListCollaborators,
		Description: "Collaborators of a repository with their permissions",
	}, s.handleListCollaborators)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolListRecentCommits,
		Description: "Recent commits on the default branch with signature verification status",
	}, s.handleListRecentCommits)
	return server
}

// NewClient returns a GitHub client authenticated with token. baseURL
// overrides the API root (GitHub Enterprise or tests).
func NewClient(token, baseURL string) (*github.Client, error) {
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client := github.NewClient(httpClient)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// Connector returns a tools.Connector that starts a server bound to the
// session's token. fallbackToken is used when the session carries none.
func Connector(baseURL, fallbackToken string, logger *zap.Logger) tools.Connector {
	return tools.InProcess(func(creds schemas.Credentials) (*mcp.Server, error) {
		token := creds.Token
		if token == "" {
			token = fallbackToken
		}
		if token == "" {
			return nil, errors.New("github token is required")
		}
		client, err := NewClient(token, baseURL)
		if err != nil {
			return nil, err
		}
		return NewServer(client, logger), nil
	})
}

func (s *Server) handleRepositorySecurity(ctx context.Context, _ *mcp.CallToolRequest, in RepoInput) (*mcp.CallToolResult, RepositorySecurity, error) {
	if err := in.validate(); err != nil {
		return nil, RepositorySecurity{}, err
	}
	repo, _, err := s.client.Repositories.Get(ctx, in.Owner, in.Repo)
	if err != nil {
		return nil, RepositorySecurity{}, fmt.Errorf("failed to get repository %s/%s: %w", in.Owner, in.Repo, err)
	}

	out := RepositorySecurity{
		FullName:      repo.GetFullName(),
		Visibility:    repo.GetVisibility(),
		Private:       repo.GetPrivate(),
		Archived:      repo.GetArchived(),
		DefaultBranch: repo.GetDefaultBranch(),
		Topics:        append([]string{}, repo.Topics...),
	}
	if out.Visibility == "" {
		out.Visibility = "public"
		if out.Private {
			out.Visibility = "private"
		}
	}

	alerts, _, err := s.client.Repositories.GetVulnerabilityAlerts(ctx, in.Owner, in.Repo)
	if err != nil {
		// Needs admin scope; report as disabled rather than failing the tool.
		s.logger.Debug("Could not read vulnerability alert setting.", zap.String("repo", out.FullName), zap.Error(err))
	}
	out.VulnerabilityAlerts = alerts

	out.BranchProtection = BranchProtection{Branch: out.DefaultBranch}
	if out.DefaultBranch != "" {
		prot, _, err := s.client.Repositories.GetBranchProtection(ctx, in.Owner, in.Repo, out.DefaultBranch)
		switch {
		case errors.Is(err, github.ErrBranchNotProtected):
		case err != nil:
			return nil, RepositorySecurity{}, fmt.Errorf("failed to get branch protection for %s: %w", out.DefaultBranch, err)
		default:
			out.BranchProtection = summarizeProtection(out.DefaultBranch, prot)
		}
	}
	return nil, out, nil
}

func summarizeProtection(branch string, p *github.Protection) BranchProtection {
	bp := BranchProtection{Branch: branch, Protected: true}
	if r := p.GetRequiredPullRequestReviews(); r != nil {
		bp.RequiredReviews = r.RequiredApprovingReviewCount
		bp.DismissStaleReviews = r.DismissStaleReviews
		bp.RequireCodeOwnerReviews = r.RequireCodeOwnerReviews
	}
	if c := p.GetRequiredStatusChecks(); c != nil {
		bp.StrictStatusChecks = c.Strict
	}
	if a := p.GetEnforceAdmins(); a != nil {
		bp.EnforceAdmins = a.Enabled
	}
	if f := p.GetAllowForcePushes(); f != nil {
		bp.AllowForcePushes = f.Enabled
	}
	if l := p.GetRequireLinearHistory(); l != nil {
		bp.RequireLinearHistory = l.Enabled
	}
	if sig := p.GetRequiredSignatures(); sig != nil {
		bp.RequireSignedCommits = sig.GetEnabled()
	}
	return bp
}

func (s *Server) handleListCollaborators(ctx context.Context, _ *mcp.CallToolRequest, in RepoInput) (*mcp.CallToolResult, CollaboratorList, error) {
	if err := in.validate(); err != nil {
		return nil, CollaboratorList{}, err
	}
	opts := &github.ListCollaboratorsOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	var out CollaboratorList
	for page := 0; page < maxPages; page++ {
		users, resp, err := s.client.Repositories.ListCollaborators(ctx, in.Owner, in.Repo, opts)
		if err != nil {
			return nil, CollaboratorList{}, fmt.Errorf("failed to list collaborators: %w", err)
		}
		for _, u := range users {
			c := Collaborator{Login: u.GetLogin()}
			for perm, granted := range u.Permissions {
				if granted {
					c.Permissions = append(c.Permissions, perm)
				}
			}
			sort.Strings(c.Permissions)
			c.Admin = u.Permissions["admin"]
			if c.Admin {
				out.Admins++
			}
			out.Collaborators = append(out.Collaborators, c)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	out.Count = len(out.Collaborators)
	return nil, out, nil
}

func (s *Server) handleListRecentCommits(ctx context.Context, _ *mcp.CallToolRequest, in CommitsInput) (*mcp.CallToolResult, CommitList, error) {
	if err := (RepoInput{Owner: in.Owner, Repo: in.Repo}).validate(); err != nil {
		return nil, CommitList{}, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 30
	}
	opts := &github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: min(limit, perPage)}}
	if in.SinceDays > 0 {
		opts.Since = time.Now().AddDate(0, 0, -in.SinceDays)
	}

	var out CommitList
	for page := 0; page < maxPages && len(out.Commits) < limit; page++ {
		commits, resp, err := s.client.Repositories.ListCommits(ctx, in.Owner, in.Repo, opts)
		if err != nil {
			return nil, CommitList{}, fmt.Errorf("failed to list commits: %w", err)
		}
		for _, c := range commits {
			if len(out.Commits) == limit {
				break
			}
			commit := c.GetCommit()
			entry := Commit{
				SHA:      c.GetSHA(),
				Message:  firstLine(commit.GetMessage()),
				Author:   commit.GetAuthor().GetName(),
				Date:     commit.GetAuthor().GetDate().Time,
				Verified: commit.GetVerification().GetVerified(),
			}
			if entry.Verified {
				out.Verified++
			}
			out.Commits = append(out.Commits, entry)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	out.Count = len(out.Commits)
	return nil, out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
