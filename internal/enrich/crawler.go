package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"askdocs/internal/ai"
	"askdocs/internal/chunk"
	"askdocs/internal/prompt"
	"askdocs/internal/vectorstore"
)

// Embedder turns one text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer is the non-streaming LLM call used for query rewriting and page
// summarization.
type Completer interface {
	Complete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage) (string, error)
}

// Options tunes one enrichment run. Zero fields fall back to DefaultOptions.
type Options struct {
	MaxResults       int // search hits requested
	MaxPagesToFetch  int // pages actually downloaded
	FetchConcurrency int
	MinContentLength int // below this, fall back to the search snippet
	ChunkSize        int
	ChunkOverlap     int
}

func DefaultOptions() Options {
	return Options{
		MaxResults:       5,
		MaxPagesToFetch:  3,
		FetchConcurrency: 2,
		MinContentLength: 200,
		ChunkSize:        1000,
		ChunkOverlap:     100,
	}
}

// merged returns o with zero fields filled from the defaults. The receiver
// is not mutated.
func (o Options) merged() Options {
	d := DefaultOptions()
	if o.MaxResults <= 0 {
		o.MaxResults = d.MaxResults
	}
	if o.MaxPagesToFetch <= 0 {
		o.MaxPagesToFetch = d.MaxPagesToFetch
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = d.FetchConcurrency
	}
	if o.MinContentLength <= 0 {
		o.MinContentLength = d.MinContentLength
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.ChunkOverlap <= 0 {
		o.ChunkOverlap = d.ChunkOverlap
	}
	return o
}

// Crawler searches the web for a question the model could not answer, pulls
// the best pages, and feeds their summarized content into the vector store
// under the asking user's scope.
type Crawler struct {
	search   SearchAdapter
	fetcher  PageFetcher
	llm      Completer
	chatCfg  ai.ChatConfig
	embedder Embedder
	store    vectorstore.Store
	opts     Options
	logger   *slog.Logger
}

func NewCrawler(
	search SearchAdapter,
	fetcher PageFetcher,
	llm Completer,
	chatCfg ai.ChatConfig,
	embedder Embedder,
	store vectorstore.Store,
	opts Options,
	logger *slog.Logger,
) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		search:   search,
		fetcher:  fetcher,
		llm:      llm,
		chatCfg:  chatCfg,
		embedder: embedder,
		store:    store,
		opts:     opts.merged(),
		logger:   logger,
	}
}

// Enrich runs the pipeline: rewrite the question into a search query, fetch
// the top pages concurrently, extract and summarize their text, then chunk,
// embed, and upsert under (userID, fileID). It returns the number of vectors
// stored. Individual page or chunk failures are logged and skipped; Enrich
// only errors when search itself fails or nothing at all could be stored
// due to an upsert error.
func (c *Crawler) Enrich(ctx context.Context, question, userID, fileID string) (int, error) {
	query := c.rewriteQuery(ctx, question)

	results, err := c.search.Search(ctx, query, c.opts.MaxResults)
	if err != nil {
		return 0, fmt.Errorf("web search: %w", err)
	}
	if len(results) == 0 {
		c.logger.Info("enrichment found no search results", "query", query)
		return 0, nil
	}
	if len(results) > c.opts.MaxPagesToFetch {
		results = results[:c.opts.MaxPagesToFetch]
	}

	docs := c.fetchAll(ctx, results)
	if len(docs) == 0 {
		c.logger.Info("enrichment fetched no usable pages", "query", query)
		return 0, nil
	}

	var records []vectorstore.Record
	now := time.Now().UTC().Format(time.RFC3339)
	for _, doc := range docs {
		summary := c.summarize(ctx, question, doc.text)
		for _, piece := range chunk.Split(prompt.Sanitize(summary), c.opts.ChunkSize, c.opts.ChunkOverlap) {
			if strings.TrimSpace(piece) == "" {
				continue
			}
			vec, err := c.embedder.Embed(ctx, piece)
			if err != nil {
				c.logger.Warn("embedding enrichment chunk failed, skipping", "url", doc.result.URL, "err", err)
				continue
			}
			records = append(records, vectorstore.Record{
				ID:     uuid.NewString(),
				Values: vec,
				Metadata: map[string]string{
					"text":      piece,
					"userId":    userID,
					"fileId":    fileID,
					"url":       doc.result.URL,
					"title":     doc.result.Title,
					"snippet":   doc.result.Snippet,
					"source":    "web-enrichment",
					"crawledAt": now,
				},
			})
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	res, err := c.store.Upsert(ctx, records)
	if err != nil && res.UpsertedCount == 0 {
		return 0, fmt.Errorf("upsert enrichment vectors: %w", err)
	}
	if len(res.FailedBatches) > 0 {
		c.logger.Warn("some enrichment batches failed", "failed", len(res.FailedBatches))
	}
	return res.UpsertedCount, nil
}

// rewriteQuery asks the LLM for a tighter search query. Any failure falls
// back to the raw question.
func (c *Crawler) rewriteQuery(ctx context.Context, question string) string {
	out, err := c.llm.Complete(ctx, c.chatCfg, []ai.ChatMessage{
		{Role: "system", Content: "Rewrite the user's question as a concise web search query. Reply with the query only, no quotes or commentary."},
		{Role: "user", Content: question},
	})
	if err != nil {
		c.logger.Warn("query rewrite failed, using raw question", "err", err)
		return question
	}
	out = strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	if out == "" {
		return question
	}
	return out
}

type fetchedDoc struct {
	result Result
	text   string
}

// fetchAll downloads pages with bounded concurrency and extracts readable
// text. Pages that fail or come back too short degrade to the search
// snippet; results with neither are dropped.
func (c *Crawler) fetchAll(ctx context.Context, results []Result) []fetchedDoc {
	pool, err := ants.NewPool(c.opts.FetchConcurrency)
	if err != nil {
		c.logger.Warn("fetch pool unavailable, fetching serially", "err", err)
		pool = nil
	} else {
		defer pool.Release()
	}

	docs := make([]fetchedDoc, len(results))
	var wg sync.WaitGroup
	for i, r := range results {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			docs[i] = fetchedDoc{result: r, text: c.fetchOne(ctx, r)}
		}
		if pool == nil {
			task()
		} else if err := pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	out := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d.text) != "" {
			out = append(out, d)
		}
	}
	return out
}

func (c *Crawler) fetchOne(ctx context.Context, r Result) string {
	page, err := c.fetcher.Fetch(ctx, r.URL)
	if err != nil {
		c.logger.Warn("page fetch failed", "url", r.URL, "err", err)
		return c.snippetFallback(r)
	}
	if page == nil {
		// Rejected by policy; the snippet is still fair game.
		return c.snippetFallback(r)
	}

	text := extractText(page)
	if len([]rune(text)) < c.opts.MinContentLength {
		return c.snippetFallback(r)
	}
	return text
}

// snippetFallback returns the search snippet when it carries enough text to
// be worth embedding; a few words of teaser would only pollute retrieval.
func (c *Crawler) snippetFallback(r Result) string {
	if len([]rune(strings.TrimSpace(r.Snippet))) < c.opts.MinContentLength/4 {
		return ""
	}
	return r.Snippet
}

func extractText(page *Page) string {
	base, err := url.Parse(page.URL)
	if err != nil {
		base = nil
	}
	article, err := readability.FromReader(strings.NewReader(page.HTML), base)
	if err != nil {
		return ""
	}
	return article.TextContent
}

// summarize condenses a page down to the material relevant to the question.
// On failure the raw text goes in untouched.
func (c *Crawler) summarize(ctx context.Context, question, text string) string {
	out, err := c.llm.Complete(ctx, c.chatCfg, []ai.ChatMessage{
		{Role: "system", Content: "Summarize the following web page content, keeping every detail relevant to the user's question and dropping navigation, ads, and boilerplate."},
		{Role: "user", Content: "Question: " + question + "\n\nPage content:\n" + text},
	})
	if err != nil {
		c.logger.Warn("page summarization failed, using raw text", "err", err)
		return text
	}
	if strings.TrimSpace(out) == "" {
		return text
	}
	return out
}
