package swarm

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/chunker"
	"github.com/xkilldash9x/compliance-swarm/internal/frameworks"
)

// CatalogSource is the metadata source of indexed framework catalog text.
func CatalogSource(framework string) string {
	return "catalog:" + framework
}

// evidenceSource is the metadata source of a run's indexed evidence.
func evidenceSource(runID string) string {
	return "evidence:" + runID
}

// IndexFramework chunks every requirement of fw and stores the chunks. Each
// requirement is chunked on its own so its code is carried exactly.
func IndexFramework(ctx context.Context, vs schemas.VectorStore, fw *frameworks.Framework) (int, error) {
	var all []schemas.Chunk
	for _, r := range fw.Requirements {
		chunks, err := chunker.Chunk(r.Text(), schemas.ChunkMetadata{
			Source:    CatalogSource(fw.Name),
			Framework: fw.Name,
		}, chunker.Requirement{Code: r.Code, Framework: fw.Name})
		if err != nil {
			return 0, fmt.Errorf("chunking %s %s: %w", fw.Name, r.Code, err)
		}
		all = append(all, chunks...)
	}
	if err := vs.Store(ctx, all); err != nil {
		return 0, fmt.Errorf("storing %s catalog: %w", fw.Name, err)
	}
	return len(all), nil
}

// IndexRegulation chunks free-form regulation text for framework. Each chunk
// carries the code of the section heading it falls under.
func IndexRegulation(ctx context.Context, vs schemas.VectorStore, framework, source, text string) (int, error) {
	chunks, err := chunker.Chunk(text, schemas.ChunkMetadata{
		Source:    source,
		Framework: framework,
		FilePath:  source,
	}, chunker.Requirement{Framework: framework})
	if err != nil {
		return 0, err
	}
	if err := vs.Store(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// indexEvidence stores the documents of successful extractions under the
// run's evidence source. Each document's tool name becomes its file path so
// search results can be traced back to the call that produced them.
func indexEvidence(ctx context.Context, vs schemas.VectorStore, runID string, results []schemas.ExtractionResult, maxSize int) (int, error) {
	var all []schemas.Chunk
	for _, res := range results {
		if !res.Succeeded() {
			continue
		}
		for _, doc := range res.Payload.Documents {
			chunks, err := chunker.Chunk(doc.Content, schemas.ChunkMetadata{
				Source:      evidenceSource(runID),
				ContentType: schemas.ContentEvidence,
				FilePath:    res.Source + "/" + doc.Tool,
			}, chunker.Semantic{MaxSize: maxSize})
			if err != nil {
				return 0, err
			}
			all = append(all, chunks...)
		}
	}
	if len(all) == 0 {
		return 0, nil
	}
	if err := vs.Store(ctx, all); err != nil {
		return 0, err
	}
	return len(all), nil
}
