// Package ingest turns content sources (files, raw text, scraped websites)
// into chunked knowledge base uploads.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/buoyhq/buoy/internal/gradient"
	"github.com/buoyhq/buoy/internal/scrape"
)

// Uploader is the knowledge base upload surface the pipeline needs.
type Uploader interface {
	UploadChunk(ctx context.Context, kbID, documentName, text string) error
	StartIndexingJob(ctx context.Context, kbID string) (*gradient.IndexingJob, error)
}

// Scraper collects page text for URL sources.
type Scraper interface {
	Scrape(ctx context.Context, startURL string, maxDepth, maxLinks int) ([]scrape.Page, error)
}

// Config tunes chunking and scraping defaults.
type Config struct {
	ChunkSize      int  // max runes per chunk
	Semantic       bool // prefer paragraph/sentence boundaries over hard cuts
	ScrapeDepth    int
	ScrapeMaxLinks int
}

// Options are per-call chunking overrides. The zero value keeps the pipeline
// defaults; Semantic stays nil to distinguish "unset" from an explicit false.
type Options struct {
	ChunkSize int
	Semantic  *bool
}

// Result summarizes one ingestion. Failed counts chunks whose upload failed;
// a non-zero Failed is reported here rather than as an error so partial
// progress is kept.
type Result struct {
	DocumentName string `json:"document_name"`
	ChunkCount   int    `json:"chunk_count"`
	Uploaded     int    `json:"uploaded"`
	Failed       int    `json:"failed"`
}

// Pipeline ingests sources into knowledge bases.
type Pipeline struct {
	uploader Uploader
	scraper  Scraper
	cfg      Config
	logger   *slog.Logger
}

// New creates a Pipeline. scraper may be nil when URL sources are not used.
func New(uploader Uploader, scraper Scraper, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ScrapeDepth <= 0 {
		cfg.ScrapeDepth = 2
	}
	if cfg.ScrapeMaxLinks <= 0 {
		cfg.ScrapeMaxLinks = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		uploader: uploader,
		scraper:  scraper,
		cfg:      cfg,
		logger:   logger.With("component", "ingest"),
	}
}

// Ingest extracts text from the source, chunks it, and uploads the chunks to
// the knowledge base in sequence order. An empty or whitespace-only source
// yields a zero-chunk Result and no error.
func (p *Pipeline) Ingest(ctx context.Context, kbID string, src Source, opts Options) (Result, error) {
	result := Result{DocumentName: src.DocumentName()}

	text, err := p.sourceText(ctx, src)
	if err != nil {
		return result, err
	}
	if strings.TrimSpace(text) == "" {
		return result, nil
	}

	size := opts.ChunkSize
	if size <= 0 {
		size = p.cfg.ChunkSize
	}
	semantic := p.cfg.Semantic
	if opts.Semantic != nil {
		semantic = *opts.Semantic
	}

	var chunks []Chunk
	if semantic {
		chunks = semanticChunks(text, size)
	} else {
		chunks = hardChunks(text, size)
	}
	result.ChunkCount = len(chunks)

	for _, chunk := range chunks {
		name := fmt.Sprintf("%s-chunk-%03d", result.DocumentName, chunk.Index)
		if err := p.uploader.UploadChunk(ctx, kbID, name, chunk.Text); err != nil {
			result.Failed++
			p.logger.Warn("chunk upload failed",
				"kb_id", kbID, "chunk", name, "error", err)
			continue
		}
		result.Uploaded++
	}

	if result.Uploaded > 0 {
		if _, err := p.uploader.StartIndexingJob(ctx, kbID); err != nil {
			// Indexing also runs on the platform's schedule; a failed
			// trigger only delays searchability.
			p.logger.Warn("failed to start indexing job", "kb_id", kbID, "error", err)
		}
	}

	p.logger.Info("ingested document",
		"kb_id", kbID, "document", result.DocumentName,
		"chunks", result.ChunkCount, "uploaded", result.Uploaded, "failed", result.Failed)
	return result, nil
}

func (p *Pipeline) sourceText(ctx context.Context, src Source) (string, error) {
	switch s := src.(type) {
	case FileSource:
		return extractText(s.Name, s.Data)
	case TextSource:
		return s.Text, nil
	case URLSource:
		return p.scrapeText(ctx, s)
	default:
		return "", fmt.Errorf("unknown source type %T", src)
	}
}

func (p *Pipeline) scrapeText(ctx context.Context, src URLSource) (string, error) {
	if p.scraper == nil {
		return "", fmt.Errorf("no scraper configured for url source %s", src.URL)
	}

	depth := src.MaxDepth
	if depth <= 0 {
		depth = p.cfg.ScrapeDepth
	}
	maxLinks := src.MaxLinks
	if maxLinks <= 0 {
		maxLinks = p.cfg.ScrapeMaxLinks
	}

	pages, err := p.scraper.Scrape(ctx, src.URL, depth, maxLinks)
	if err != nil {
		return "", fmt.Errorf("scraping %s: %w", src.URL, err)
	}

	var b strings.Builder
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		b.WriteString("Source: ")
		b.WriteString(page.URL)
		b.WriteString("\n")
		if page.Title != "" {
			b.WriteString("Title: ")
			b.WriteString(page.Title)
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(page.Text)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}
