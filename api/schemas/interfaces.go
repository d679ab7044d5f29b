package schemas

import (
	"context"
	"encoding/json"
)

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions provides detailed parameters to control the text generation
// process of the LLM, such as creativity (temperature) and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"` // Instructions for the model's persona and task.
	UserPrompt   string            `json:"user_prompt"`   // The specific query or input from the user.
	Tier         ModelTier         `json:"tier"`          // The desired model tier (fast or powerful).
	Options      GenerationOptions `json:"options"`       // Advanced generation parameters.
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider (e.g., Gemini).
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client (e.g., network connections, SDK resources).
	Close() error
}

// -- Retrieval Interfaces --

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is fixed by model configuration.
	Dimensions() int
	Model() string
}

// VectorStore persists chunk embeddings and answers similarity queries. It is
// shared across runs and users; writes are upserts keyed by chunk id.
type VectorStore interface {
	Store(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, query string, k int, filters *SearchFilters) ([]ScoredChunk, error)
	// SearchByEmbedding skips the embedding call when the caller already has one.
	SearchByEmbedding(ctx context.Context, embedding []float32, k int, filters *SearchFilters) ([]ScoredChunk, error)
	// Delete removes every record whose metadata source matches.
	Delete(ctx context.Context, source string) (int, error)
}

// -- Tool Invocation Interfaces --

// ServerID names an external tool server (e.g. "github", "aws").
type ServerID string

// AuthMode distinguishes OAuth-issued tokens from Bring-Your-Own-Key secrets.
type AuthMode string

const (
	AuthOAuth AuthMode = "oauth"
	AuthBYOK  AuthMode = "byok"
)

// Credentials are supplied by the caller per (user, server) connection. They
// are never logged.
type Credentials struct {
	Mode  AuthMode          `json:"mode"`
	Token string            `json:"-"`
	Extra map[string]string `json:"-"`
}

// UserScope isolates connections; two scopes with different UserIDs never
// share sessions.
type UserScope struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// ToolDescriptor describes a tool exposed by a server.
type ToolDescriptor struct {
	Server      ServerID        `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolInvoker is the uniform contract for calling named tools on named
// servers. CallTool always returns a record, even when it also returns an error.
type ToolInvoker interface {
	Connect(ctx context.Context, server ServerID, creds Credentials, scope UserScope) error
	ListTools(ctx context.Context, server ServerID, scope UserScope) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, server ServerID, tool string, args map[string]any, scope UserScope) (ToolCallRecord, error)
	Disconnect(server ServerID, scope UserScope) error
	Close() error
}

// -- Persistence Interfaces --

// RunStore is the persistence collaborator for runs and their artifacts.
type RunStore interface {
	SaveRun(ctx context.Context, run *AssessmentRun) error
	GetRun(ctx context.Context, runID string) (*AssessmentRun, error)
	// SaveReport replaces any previously saved report for the run.
	SaveReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, runID string) (*Report, error)
	// GetLatestCompletedRun returns the most recent completed run for the
	// project/framework other than excludeRunID, or ErrRunNotFound.
	GetLatestCompletedRun(ctx context.Context, projectID, framework, excludeRunID string) (*AssessmentRun, error)
}
