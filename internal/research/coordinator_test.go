package research

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/retrieval"
)

type fakeVector struct {
	delay time.Duration
	items func(query string) []retrieval.ContextItem
	err   error
	calls atomic.Int64
}

func (f *fakeVector) SearchVector(ctx context.Context, query, hypothetical string, limit int) ([]retrieval.ContextItem, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(f.delay)))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.items != nil {
		return f.items(query), nil
	}
	return nil, nil
}

type fakeKeyword struct {
	items []retrieval.ContextItem
	err   error
	calls atomic.Int64
}

func (f *fakeKeyword) SearchKeyword(ctx context.Context, query string, limit int) ([]retrieval.ContextItem, error) {
	f.calls.Add(1)
	return f.items, f.err
}

type fakeDirect struct {
	items map[string][]retrieval.ContextItem
	calls atomic.Int64
}

func (f *fakeDirect) Lookup(ctx context.Context, entityID string, kind retrieval.EntityKind) ([]retrieval.ContextItem, error) {
	f.calls.Add(1)
	return f.items[entityID], nil
}

type fakeWeb struct {
	items []retrieval.ContextItem
	calls atomic.Int64
}

func (f *fakeWeb) SearchWeb(ctx context.Context, query string, limit int) ([]retrieval.ContextItem, error) {
	f.calls.Add(1)
	return f.items, nil
}

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return "synthesized: " + prompt[:min(40, len(prompt))], nil
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return "", fmt.Errorf("model unavailable")
}

func goodItems(query string) []retrieval.ContextItem {
	return []retrieval.ContextItem{{ID: "s-" + query, Text: "passage for " + query, Score: 0.9}}
}

func TestExecutePreservesPlanOrder(t *testing.T) {
	vec := &fakeVector{delay: 20 * time.Millisecond, items: goodItems}
	c := NewCoordinator(retrieval.Backends{Vector: vec}, nil, nil, DefaultLexicon(),
		Config{MaxConcurrent: 4}, zaptest.NewLogger(t))

	plan := make([]engine.SubQueryTask, 8)
	for i := range plan {
		plan[i] = engine.SubQueryTask{Text: fmt.Sprintf("how does requirement %d apply", i)}
	}

	results, err := c.Execute(context.Background(), plan, StructuralHints{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != len(plan) {
		t.Fatalf("got %d results, want %d", len(results), len(plan))
	}
	for i, r := range results {
		if r.SubQuery != plan[i].Text {
			t.Errorf("result %d is for %q, want %q", i, r.SubQuery, plan[i].Text)
		}
		if !r.Succeeded {
			t.Errorf("result %d not succeeded", i)
		}
	}
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int64
	vec := &fakeVector{items: goodItems}
	base := vec.items
	vec.items = func(q string) []retrieval.ContextItem {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return base(q)
	}

	c := NewCoordinator(retrieval.Backends{Vector: vec}, nil, nil, DefaultLexicon(),
		Config{MaxConcurrent: 2}, zaptest.NewLogger(t))

	plan := make([]engine.SubQueryTask, 10)
	for i := range plan {
		plan[i] = engine.SubQueryTask{Text: fmt.Sprintf("question number %d about anything", i)}
	}

	if _, err := c.Execute(context.Background(), plan, StructuralHints{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestFallbackChainSkipsPrimary(t *testing.T) {
	kw := &fakeKeyword{} // primary: returns nothing
	web := &fakeWeb{items: []retrieval.ContextItem{{ID: "w1", Text: "found online", Score: 0.8}}}
	direct := &fakeDirect{}

	c := NewCoordinator(retrieval.Backends{Keyword: kw, Web: web, Direct: direct}, nil, nil,
		DefaultLexicon(), Config{}, zaptest.NewLogger(t))

	// Quoted phrase selects keyword as primary.
	plan := []engine.SubQueryTask{{Text: `where is "dead load" defined`}}
	results, err := c.Execute(context.Background(), plan, StructuralHints{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	r := results[0]
	if !r.Succeeded {
		t.Fatal("expected fallback to succeed")
	}
	if r.RetrievalMethod != string(retrieval.StrategyWeb) {
		t.Errorf("method = %s, want web", r.RetrievalMethod)
	}
	if kw.calls.Load() != 1 {
		t.Errorf("keyword called %d times, want exactly once", kw.calls.Load())
	}
}

func TestExhaustedFallbacksYieldNoInformation(t *testing.T) {
	vec := &fakeVector{} // empty results
	kw := &fakeKeyword{}
	web := &fakeWeb{}
	direct := &fakeDirect{}

	c := NewCoordinator(retrieval.Backends{Vector: vec, Keyword: kw, Web: web, Direct: direct},
		nil, nil, DefaultLexicon(), Config{}, zaptest.NewLogger(t))

	plan := []engine.SubQueryTask{{Text: "how tall can my shed be"}}
	results, err := c.Execute(context.Background(), plan, StructuralHints{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	r := results[0]
	if r.Succeeded {
		t.Error("expected failure after exhausting fallbacks")
	}
	if r.AnswerText != NoInformationFound {
		t.Errorf("answer = %q", r.AnswerText)
	}
}

func TestSiblingFailureDoesNotAffectOthers(t *testing.T) {
	vec := &fakeVector{items: func(q string) []retrieval.ContextItem {
		if strings.Contains(q, "doomed") {
			return nil
		}
		return goodItems(q)
	}}

	c := NewCoordinator(retrieval.Backends{Vector: vec}, nil, nil, DefaultLexicon(),
		Config{}, zaptest.NewLogger(t))

	plan := []engine.SubQueryTask{
		{Text: "a perfectly answerable question"},
		{Text: "a doomed question"},
		{Text: "another answerable question"},
	}
	results, err := c.Execute(context.Background(), plan, StructuralHints{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !results[0].Succeeded || !results[2].Succeeded {
		t.Error("siblings of a failed task should still succeed")
	}
	if results[1].Succeeded {
		t.Error("doomed task should fail")
	}
}

func TestSubQueryCacheHitSkipsRetrieval(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cm := cache.NewManager(cache.NewRedisStore(client, zaptest.NewLogger(t)), cache.DefaultConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = cm.Close() })

	vec := &fakeVector{items: goodItems}
	c := NewCoordinator(retrieval.Backends{Vector: vec}, nil, cm, DefaultLexicon(),
		Config{}, zaptest.NewLogger(t))

	plan := []engine.SubQueryTask{{Text: "what are the general permit rules"}}
	if _, err := c.Execute(context.Background(), plan, StructuralHints{}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	first := vec.calls.Load()

	results, err := c.Execute(context.Background(), plan, StructuralHints{})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if vec.calls.Load() != first {
		t.Error("second run should not hit the backend")
	}
	if !results[0].FromCache {
		t.Error("second run result should be marked from cache")
	}
}

func TestDirectLookupUsesHints(t *testing.T) {
	direct := &fakeDirect{items: map[string][]retrieval.ContextItem{
		"101.1": {{ID: "101.1", Title: "Scope", Text: "applies to all buildings", Score: 1.0}},
	}}
	c := NewCoordinator(retrieval.Backends{Direct: direct}, echoGenerator{}, nil, DefaultLexicon(),
		Config{}, zaptest.NewLogger(t))

	plan := []engine.SubQueryTask{{Text: "tell me what it covers"}}
	results, err := c.Execute(context.Background(), plan, StructuralHints{EntityID: "101.1", EntityKind: retrieval.EntitySection})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !results[0].Succeeded {
		t.Fatal("expected success")
	}
	if results[0].RetrievalMethod != string(retrieval.StrategyDirectLookup) {
		t.Errorf("method = %s", results[0].RetrievalMethod)
	}
	if len(results[0].SourcesUsed) != 1 || results[0].SourcesUsed[0] != "101.1" {
		t.Errorf("sources = %v", results[0].SourcesUsed)
	}
}

func TestGeneratorFailureFallsBackToPassages(t *testing.T) {
	vec := &fakeVector{items: goodItems}
	c := NewCoordinator(retrieval.Backends{Vector: vec}, failingGenerator{}, nil, DefaultLexicon(),
		Config{}, zaptest.NewLogger(t))

	plan := []engine.SubQueryTask{{Text: "is a handrail required here"}}
	results, err := c.Execute(context.Background(), plan, StructuralHints{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !results[0].Succeeded {
		t.Fatal("expected success despite generator failure")
	}
	if !strings.Contains(results[0].AnswerText, "passage for") {
		t.Errorf("answer should contain raw passage text, got %q", results[0].AnswerText)
	}
}
