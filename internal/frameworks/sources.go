package frameworks

import (
	"maps"
	"sort"
	"strings"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// ToolSpec is one extraction tool call made against a source.
type ToolSpec struct {
	Name string `json:"name"`
	// Args are defaults; source configuration values override them.
	Args map[string]any `json:"args,omitempty"`
}

// SourceProfile describes how evidence is pulled from one kind of data source.
type SourceProfile struct {
	Name     string                 `json:"name"`
	Category schemas.SourceCategory `json:"category"`
	Payload  schemas.PayloadKind    `json:"payload"`
	// Server is the tool server the extraction tools live on.
	Server schemas.ServerID `json:"server"`
	Tools  []ToolSpec       `json:"tools"`
	// RequiredParams must be present in the source configuration.
	RequiredParams []string `json:"required_params,omitempty"`
}

// ToolArgs merges the tool's defaults with the source configuration.
func (t ToolSpec) ToolArgs(sourceConfig map[string]string) map[string]any {
	args := maps.Clone(t.Args)
	if args == nil {
		args = make(map[string]any, len(sourceConfig))
	}
	for k, v := range sourceConfig {
		args[k] = v
	}
	return args
}

var profiles = map[string]SourceProfile{
	"github": {
		Name: "github", Category: schemas.CategoryCode, Payload: schemas.PayloadCode, Server: "github",
		RequiredParams: []string{"owner", "repo"},
		Tools: []ToolSpec{
			{Name: "get_repository_security"},
			{Name: "list_collaborators"},
			{Name: "list_recent_commits", Args: map[string]any{"limit": 50, "since_days": 90}},
		},
	},
	"aws": {
		Name: "aws", Category: schemas.CategoryCloud, Payload: schemas.PayloadCloud, Server: "aws",
		Tools: []ToolSpec{
			{Name: "get_account_password_policy"},
			{Name: "list_iam_users", Args: map[string]any{"include_mfa": true}},
			{Name: "list_cloudtrail_trails"},
			{Name: "list_s3_bucket_encryption"},
		},
	},
	"gcp": {
		Name: "gcp", Category: schemas.CategoryCloud, Payload: schemas.PayloadCloud, Server: "gcp",
		RequiredParams: []string{"project"},
		Tools: []ToolSpec{
			{Name: "get_iam_policy"},
			{Name: "list_audit_log_configs"},
			{Name: "list_kms_keys"},
		},
	},
	"azure": {
		Name: "azure", Category: schemas.CategoryCloud, Payload: schemas.PayloadCloud, Server: "azure",
		RequiredParams: []string{"subscription"},
		Tools: []ToolSpec{
			{Name: "list_role_assignments"},
			{Name: "list_security_assessments"},
			{Name: "list_key_vaults"},
		},
	},
	"jira": {
		Name: "jira", Category: schemas.CategoryTicketing, Payload: schemas.PayloadTicketing, Server: "jira",
		Tools: []ToolSpec{
			{Name: "search_issues", Args: map[string]any{
				"jql":         "labels in (security, incident, access-review) ORDER BY created DESC",
				"max_results": 50,
			}},
		},
	},
	"slack": {
		Name: "slack", Category: schemas.CategoryCommunication, Payload: schemas.PayloadCommunication, Server: "slack",
		Tools: []ToolSpec{
			{Name: "search_messages", Args: map[string]any{"query": "incident OR security OR outage", "count": 50}},
		},
	},
	"google-workspace": {
		Name: "google-workspace", Category: schemas.CategoryIdentity, Payload: schemas.PayloadGeneric, Server: "google-workspace",
		Tools: []ToolSpec{
			{Name: "list_users", Args: map[string]any{"fields": "primaryEmail,isEnrolledIn2Sv,isAdmin,suspended"}},
			{Name: "get_security_settings"},
		},
	},
}

// Profile returns the profile for a source name, case-insensitively.
func Profile(name string) (SourceProfile, bool) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// SourceNames returns the known source names, sorted.
func SourceNames() []string {
	out := make([]string, 0, len(profiles))
	for n := range profiles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
