package enrich

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askdocs/internal/ai"
	"askdocs/internal/vectorstore"
)

type fakeSearch struct {
	results []Result
	err     error
	gotQ    string
}

func (f *fakeSearch) Search(_ context.Context, q string, _ int) ([]Result, error) {
	f.gotQ = q
	return f.results, f.err
}

type fakeFetcher struct {
	pages map[string]*Page // nil value means policy rejection
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*Page, error) {
	if err := f.errs[rawURL]; err != nil {
		return nil, err
	}
	return f.pages[rawURL], nil
}

type fakeCompleter struct {
	rewriteOut string
	rewriteErr error
}

func (f *fakeCompleter) Complete(_ context.Context, _ ai.ChatConfig, msgs []ai.ChatMessage) (string, error) {
	if strings.Contains(msgs[0].Content, "search query") {
		return f.rewriteOut, f.rewriteErr
	}
	// Summarization passes content through so tests can assert on it.
	user := msgs[len(msgs)-1].Content
	if i := strings.Index(user, "Page content:\n"); i >= 0 {
		return user[i+len("Page content:\n"):], nil
	}
	return user, nil
}

type fakeEmbedder struct {
	err error
	mu  sync.Mutex
	n   int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

type recordingStore struct {
	mu      sync.Mutex
	records []vectorstore.Record
	err     error
}

func (s *recordingStore) Upsert(_ context.Context, recs []vectorstore.Record) (vectorstore.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return vectorstore.UpsertResult{}, s.err
	}
	s.records = append(s.records, recs...)
	return vectorstore.UpsertResult{UpsertedCount: len(recs)}, nil
}

func (s *recordingStore) Query(context.Context, []float32, string, string, int) ([]vectorstore.Match, error) {
	return nil, nil
}

func page(body string) *Page {
	return &Page{HTML: "<html><body><article><p>" + body + "</p></article></body></html>"}
}

func TestCrawlerStoresVectorsWithProvenance(t *testing.T) {
	long := strings.Repeat("useful facts about widgets. ", 20) // past MinContentLength
	search := &fakeSearch{results: []Result{
		{Title: "Widgets", Snippet: "short snippet", URL: "https://a.example/widgets"},
	}}
	fetch := &fakeFetcher{pages: map[string]*Page{
		"https://a.example/widgets": page(long),
	}}
	store := &recordingStore{}

	c := NewCrawler(search, fetch, &fakeCompleter{rewriteOut: "widgets overview"},
		ai.ChatConfig{}, &fakeEmbedder{}, store, Options{}, nil)

	n, err := c.Enrich(context.Background(), "what are widgets?", "u1", "f1")
	require.NoError(t, err)
	require.Greater(t, n, 0)
	assert.Equal(t, "widgets overview", search.gotQ)

	require.NotEmpty(t, store.records)
	md := store.records[0].Metadata
	assert.Equal(t, "u1", md["userId"])
	assert.Equal(t, "f1", md["fileId"])
	assert.Equal(t, "https://a.example/widgets", md["url"])
	assert.Equal(t, "Widgets", md["title"])
	assert.Equal(t, "web-enrichment", md["source"])
	assert.NotEmpty(t, md["text"])
	assert.NotEmpty(t, md["crawledAt"])
}

func TestCrawlerFallsBackToSnippetOnRejection(t *testing.T) {
	snippet := strings.Repeat("a snippet worth keeping. ", 4)
	search := &fakeSearch{results: []Result{
		{Title: "Blocked", Snippet: snippet, URL: "http://127.0.0.1/x"},
	}}
	// nil page = policy rejection
	fetch := &fakeFetcher{pages: map[string]*Page{}}
	store := &recordingStore{}

	c := NewCrawler(search, fetch, &fakeCompleter{}, ai.ChatConfig{}, &fakeEmbedder{}, store, Options{}, nil)

	n, err := c.Enrich(context.Background(), "q", "u", "f")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Contains(t, store.records[0].Metadata["text"], "a snippet worth keeping")
}

func TestCrawlerSkipsShortSnippets(t *testing.T) {
	// A teaser-length snippet must not be embedded, whichever path degraded
	// to it: fetch error, policy rejection, or a page too thin to keep.
	search := &fakeSearch{results: []Result{
		{Title: "Erroring", Snippet: "tiny", URL: "https://err.example/"},
		{Title: "Blocked", Snippet: "tiny", URL: "http://127.0.0.1/x"},
		{Title: "Thin", Snippet: "tiny", URL: "https://thin.example/"},
	}}
	fetch := &fakeFetcher{
		pages: map[string]*Page{"https://thin.example/": page("barely anything")},
		errs:  map[string]error{"https://err.example/": errors.New("connection refused")},
	}
	store := &recordingStore{}

	c := NewCrawler(search, fetch, &fakeCompleter{}, ai.ChatConfig{}, &fakeEmbedder{}, store, Options{}, nil)

	n, err := c.Enrich(context.Background(), "q", "u", "f")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.records)
}

func TestCrawlerRewriteFailureUsesRawQuestion(t *testing.T) {
	search := &fakeSearch{}
	c := NewCrawler(search, &fakeFetcher{}, &fakeCompleter{rewriteErr: errors.New("llm down")},
		ai.ChatConfig{}, &fakeEmbedder{}, &recordingStore{}, Options{}, nil)

	n, err := c.Enrich(context.Background(), "raw question", "u", "f")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "raw question", search.gotQ)
}

func TestCrawlerSearchErrorSurfaces(t *testing.T) {
	c := NewCrawler(&fakeSearch{err: errors.New("search down")}, &fakeFetcher{}, &fakeCompleter{},
		ai.ChatConfig{}, &fakeEmbedder{}, &recordingStore{}, Options{}, nil)

	_, err := c.Enrich(context.Background(), "q", "u", "f")
	assert.Error(t, err)
}

func TestCrawlerSkipsFailedEmbeddings(t *testing.T) {
	long := strings.Repeat("content ", 60)
	search := &fakeSearch{results: []Result{{URL: "https://a.example/", Snippet: "s"}}}
	fetch := &fakeFetcher{pages: map[string]*Page{"https://a.example/": page(long)}}
	emb := &fakeEmbedder{err: errors.New("embed down")}
	store := &recordingStore{}

	c := NewCrawler(search, fetch, &fakeCompleter{}, ai.ChatConfig{}, emb, store, Options{}, nil)

	n, err := c.Enrich(context.Background(), "q", "u", "f")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.records)
	assert.Greater(t, emb.n, 0)
}

func TestCrawlerCapsPagesFetched(t *testing.T) {
	var results []Result
	pages := map[string]*Page{}
	long := strings.Repeat("body text ", 50)
	for _, u := range []string{"https://1.example/", "https://2.example/", "https://3.example/", "https://4.example/", "https://5.example/"} {
		results = append(results, Result{URL: u, Snippet: "s"})
		pages[u] = page(long)
	}
	store := &recordingStore{}
	c := NewCrawler(&fakeSearch{results: results}, &fakeFetcher{pages: pages}, &fakeCompleter{},
		ai.ChatConfig{}, &fakeEmbedder{}, store, Options{MaxPagesToFetch: 2}, nil)

	_, err := c.Enrich(context.Background(), "q", "u", "f")
	require.NoError(t, err)

	urls := map[string]bool{}
	for _, r := range store.records {
		urls[r.Metadata["url"]] = true
	}
	assert.Len(t, urls, 2)
}
