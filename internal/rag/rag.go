package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/llmutil"
	"go.uber.org/zap"
)

// maxIterationsCap bounds the loop regardless of configuration.
const maxIterationsCap = 3

// RetrieveOptions scopes a retrieval.
type RetrieveOptions struct {
	Filters *schemas.SearchFilters
	// ExternalContext is free text (for example extracted evidence) that the
	// refinement prompt may use to steer the query.
	ExternalContext string
}

// Correction records one adopted query rewrite.
type Correction struct {
	Iteration int    `json:"iteration"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// Result is the outcome of a corrective retrieval.
type Result struct {
	Chunks        []schemas.ScoredChunk `json:"chunks"`
	OriginalQuery string                `json:"original_query"`
	FinalQuery    string                `json:"final_query"`
	Iterations    int                   `json:"iterations"`
	Corrections   []Correction          `json:"corrections,omitempty"`
}

// Engine runs the corrective retrieval loop: search, judge, rewrite, repeat.
type Engine struct {
	store  schemas.VectorStore
	llm    schemas.LLMClient
	cfg    config.RAGConfig
	logger *zap.Logger
}

// New creates an Engine. llm may be nil, in which case queries are never refined.
func New(store schemas.VectorStore, llm schemas.LLMClient, cfg config.RAGConfig, logger *zap.Logger) *Engine {
	if cfg.MaxIterations <= 0 || cfg.MaxIterations > maxIterationsCap {
		cfg.MaxIterations = maxIterationsCap
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.EarlyStopCount <= 0 {
		cfg.EarlyStopCount = 5
	}
	if cfg.EarlyStopSimilarity <= 0 {
		cfg.EarlyStopSimilarity = 0.8
	}
	if cfg.VectorWeight <= 0 && cfg.KeywordWeight <= 0 {
		cfg.VectorWeight, cfg.KeywordWeight = 0.7, 0.3
	}
	return &Engine{
		store:  store,
		llm:    llm,
		cfg:    cfg,
		logger: logger.Named("crag"),
	}
}

// Retrieve searches for query, refining it with the LLM while results stay
// weak. Results are deduplicated by chunk id keeping the best similarity.
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is empty")
	}

	res := &Result{OriginalQuery: query, FinalQuery: query}
	seen := make(map[string]schemas.ScoredChunk)
	current := query

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations = iter + 1

		found, err := e.store.Search(ctx, current, e.cfg.TopK, opts.Filters)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("retrieval search failed on iteration %d: %w", iter+1, err)
		}
		for _, sc := range found {
			if prev, ok := seen[sc.Chunk.ID]; !ok || sc.Similarity > prev.Similarity {
				seen[sc.Chunk.ID] = sc
			}
		}

		if iter > 0 && e.strongCount(seen) >= e.cfg.EarlyStopCount {
			e.logger.Debug("Early stop, enough strong results.", zap.Int("iteration", iter+1))
			break
		}
		if iter == e.cfg.MaxIterations-1 {
			break
		}

		refined, reason, ok := e.refine(ctx, query, current, rank(seen, 5), opts.ExternalContext)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !ok {
			break
		}
		res.Corrections = append(res.Corrections, Correction{Iteration: iter + 1, From: current, To: refined, Reason: reason})
		e.logger.Debug("Query refined.", zap.Int("iteration", iter+1), zap.String("from", current), zap.String("to", refined))
		current = refined
	}

	res.FinalQuery = current
	res.Chunks = rank(seen, e.cfg.MaxResults)
	return res, nil
}

func (e *Engine) strongCount(seen map[string]schemas.ScoredChunk) int {
	n := 0
	for _, sc := range seen {
		if sc.Similarity > e.cfg.EarlyStopSimilarity {
			n++
		}
	}
	return n
}

// rank returns at most limit chunks ordered by similarity, ties by id.
func rank(seen map[string]schemas.ScoredChunk, limit int) []schemas.ScoredChunk {
	out := make([]schemas.ScoredChunk, 0, len(seen))
	for _, sc := range seen {
		out = append(out, sc)
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortScored(s []schemas.ScoredChunk) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Similarity != s[j].Similarity {
			return s[i].Similarity > s[j].Similarity
		}
		return s[i].Chunk.ID < s[j].Chunk.ID
	})
}

// refinement is the JSON shape the fast model answers with.
type refinement struct {
	RefinedQuery string `json:"refinedQuery"`
	Reason       string `json:"reason"`
}

const refineSystemPrompt = `You improve search queries for a compliance knowledge base of regulation text and audit evidence.
Given the original question, the current query and the best results so far, propose a better query that is more likely to retrieve relevant requirement text.
Respond with JSON only: {"refinedQuery": "...", "reason": "..."}. If the current query is already good, repeat it unchanged.`

// refine asks the fast model for a better query. Any failure means no
// improvement.
func (e *Engine) refine(ctx context.Context, original, current string, top []schemas.ScoredChunk, external string) (string, string, bool) {
	if e.llm == nil {
		return "", "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original question: %s\nCurrent query: %s\n\nTop results:\n", original, current)
	if len(top) == 0 {
		b.WriteString("(none)\n")
	}
	for i, sc := range top {
		fmt.Fprintf(&b, "%d. [%.2f] %s\n", i+1, sc.Similarity, truncate(sc.Chunk.Content, 300))
	}
	if external = strings.TrimSpace(external); external != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n%s\n", truncate(external, 1500))
	}

	resp, err := e.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: refineSystemPrompt,
		UserPrompt:   b.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		e.logger.Debug("Query refinement failed, keeping current query.", zap.Error(err))
		return "", "", false
	}
	parsed, err := llmutil.ParseJSONResponse[refinement](resp)
	if err != nil {
		e.logger.Debug("Query refinement was not valid JSON.", zap.Error(err))
		return "", "", false
	}
	refined := strings.TrimSpace(parsed.RefinedQuery)
	if refined == "" || normalize(refined) == normalize(current) {
		return "", "", false
	}
	return refined, parsed.Reason, true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
