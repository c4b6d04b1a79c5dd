package controller

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/conversation"
	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/research"
)

// routingGenerator answers prompts by inspecting their shape, which
// lets one fake serve classify, plan, and synthesize.
type routingGenerator struct {
	classification string
	planJSON       string
	finalAnswer    string
	failures       map[string]error
}

func (g *routingGenerator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	switch {
	case strings.Contains(prompt, "Classify the user's question"):
		if err := g.failures["classify"]; err != nil {
			return "", err
		}
		return `{"label": "` + g.classification + `", "context_sufficient": false}`, nil
	case strings.Contains(prompt, "Decompose the question"):
		if err := g.failures["plan"]; err != nil {
			return "", err
		}
		return g.planJSON, nil
	case strings.Contains(prompt, "research findings"):
		if err := g.failures["synthesize"]; err != nil {
			return "", err
		}
		return g.finalAnswer + "\nCONFIDENCE: 0.8", nil
	case strings.Contains(prompt, "conversation so far"):
		return "Answered from history.\nCONFIDENCE: 0.75", nil
	default:
		return g.finalAnswer, nil
	}
}

type recordingResearcher struct {
	calls int
	hints research.StructuralHints
}

func (r *recordingResearcher) Execute(ctx context.Context, plan []engine.SubQueryTask, hints research.StructuralHints) ([]engine.SubQueryResult, error) {
	r.calls++
	r.hints = hints
	results := make([]engine.SubQueryResult, len(plan))
	for i, task := range plan {
		results[i] = engine.SubQueryResult{
			SubQuery:    task.Text,
			AnswerText:  "finding for " + task.Text,
			SourcesUsed: []string{"101.1"},
			Succeeded:   true,
		}
	}
	return results, nil
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := cache.NewManager(cache.NewRedisStore(client, zaptest.NewLogger(t)), cache.DefaultConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestFullPipeline(t *testing.T) {
	gen := &routingGenerator{
		classification: "engage",
		planJSON:       `[{"question": "what is the egress width requirement?"}]`,
		finalAnswer:    "Egress width is driven by occupant load per Section 1005.1.",
	}
	res := &recordingResearcher{}
	c := New(gen, res, nil, nil, nil, nil, Options{}, zaptest.NewLogger(t))

	result := c.ProcessQuery(context.Background(), "how wide do my exits need to be", "")
	if result.Status != string(engine.StatusCompleted) {
		t.Fatalf("status = %s", result.Status)
	}
	if !strings.Contains(result.Answer, "Egress width") {
		t.Errorf("answer = %q", result.Answer)
	}
	if result.Confidence != 0.8 {
		t.Errorf("confidence = %v", result.Confidence)
	}
	if res.calls != 1 {
		t.Errorf("researcher calls = %d", res.calls)
	}
	if len(result.Sources) != 1 || result.Sources[0] != "101.1" {
		t.Errorf("sources = %v", result.Sources)
	}
}

func TestDirectRetrievalSkipsPlanning(t *testing.T) {
	gen := &routingGenerator{
		classification: "direct_retrieval",
		finalAnswer:    "Section 101.1 establishes the scope of this code.",
	}
	res := &recordingResearcher{}
	c := New(gen, res, nil, nil, nil, nil, Options{}, zaptest.NewLogger(t))

	result := c.ProcessQuery(context.Background(), "Show me Section 101.1", "")
	if result.Status != string(engine.StatusCompleted) {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Classification != string(engine.ClassifyDirectRetrieval) {
		t.Errorf("classification = %s", result.Classification)
	}
	if res.hints.EntityID != "101.1" {
		t.Errorf("hints = %+v, entity should flow to research", res.hints)
	}
	if res.calls != 1 {
		t.Errorf("researcher calls = %d", res.calls)
	}
}

func TestRejectStopsBeforeResearch(t *testing.T) {
	gen := &routingGenerator{classification: "reject"}
	res := &recordingResearcher{}
	c := New(gen, res, nil, nil, nil, nil, Options{}, zaptest.NewLogger(t))

	result := c.ProcessQuery(context.Background(), "best pizza topping?", "")
	if result.Status != string(engine.StatusCompleted) {
		t.Fatalf("status = %s", result.Status)
	}
	if res.calls != 0 {
		t.Error("rejected queries must not reach research")
	}
	if result.Answer == "" {
		t.Error("reject must still produce an answer")
	}
}

func TestSecondRunServedFromCache(t *testing.T) {
	gen := &routingGenerator{
		classification: "engage",
		planJSON:       `[{"question": "what is the handrail height?"}]`,
		finalAnswer:    "Handrails must be between 34 and 38 inches above nosings.",
	}
	res := &recordingResearcher{}
	cm := newTestCache(t)
	c := New(gen, res, cm, nil, nil, nil, Options{}, zaptest.NewLogger(t))

	first := c.ProcessQuery(context.Background(), "what is the handrail height", "")
	if first.FromCache {
		t.Fatal("first run must not be from cache")
	}

	second := c.ProcessQuery(context.Background(), "What is the handrail height  ", "")
	if !second.FromCache {
		t.Fatal("second run should hit the answer cache")
	}
	if res.calls != 1 {
		t.Errorf("researcher calls = %d, cache hit must skip research", res.calls)
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer = %q, want %q", second.Answer, first.Answer)
	}
	if second.Status != string(engine.StatusCompleted) {
		t.Errorf("status = %s", second.Status)
	}
}

func TestRecoveryDegradesToApology(t *testing.T) {
	gen := &routingGenerator{
		classification: "engage",
		failures:       map[string]error{"classify": errors.New("model unavailable")},
	}
	c := New(gen, &recordingResearcher{}, nil, nil, nil, nil, Options{MaxRetries: 1}, zaptest.NewLogger(t))

	result := c.ProcessQuery(context.Background(), "anything at all", "")
	if result.Status != string(engine.StatusCompleted) {
		t.Fatalf("status = %s, degraded runs still complete", result.Status)
	}
	if result.Answer == "" {
		t.Fatal("degraded run must carry an apology answer")
	}
	if result.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", result.Confidence)
	}
}

func TestSynthesizeFailureRecoversWithFindings(t *testing.T) {
	gen := &routingGenerator{
		classification: "engage",
		planJSON:       `[{"question": "sub question one"}]`,
		failures:       map[string]error{"synthesize": errors.New("invalid request")},
	}
	c := New(gen, &recordingResearcher{}, nil, nil, nil, nil, Options{MaxRetries: 1}, zaptest.NewLogger(t))

	result := c.ProcessQuery(context.Background(), "a question", "")
	if result.Status != string(engine.StatusCompleted) {
		t.Fatalf("status = %s", result.Status)
	}
	if !strings.Contains(result.Answer, "finding for") {
		t.Errorf("answer = %q, want concatenated findings", result.Answer)
	}
	if result.Confidence != 0.3 {
		t.Errorf("confidence = %v, want fallback 0.3", result.Confidence)
	}
}

func TestJumpRecoveredRunDoesNotSeedCache(t *testing.T) {
	gen := &routingGenerator{
		classification: "engage",
		failures:       map[string]error{"plan": errors.New("connection reset")},
		finalAnswer:    "Handrails must be between 34 and 38 inches above nosings.",
	}
	cm := newTestCache(t)
	c := New(gen, &recordingResearcher{}, cm, nil, nil, nil, Options{MaxRetries: 1}, zaptest.NewLogger(t))

	result := c.ProcessQuery(context.Background(), "what is the handrail height", "")
	if result.Status != string(engine.StatusCompleted) {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Answer == "" {
		t.Fatal("salvaged run must still answer")
	}

	if _, ok := cm.GetAnswer(context.Background(), "what is the handrail height"); ok {
		t.Fatal("run salvaged by a fallback jump must not seed the answer cache")
	}
}

func TestConversationContextFlowsToFollowUps(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	conv := conversation.NewManager(client, conversation.Config{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = conv.Close() })

	gen := &routingGenerator{
		classification: "engage",
		planJSON:       `[{"question": "travel distance limit?"}]`,
		finalAnswer:    "Travel distance is limited to 200 feet, or 250 when sprinklered.",
	}
	c := New(gen, &recordingResearcher{}, nil, conv, nil, nil, Options{}, zaptest.NewLogger(t))

	first := c.ProcessQuery(context.Background(), "what is the travel distance limit", "conv-1")
	if first.Status != string(engine.StatusCompleted) {
		t.Fatalf("status = %s", first.Status)
	}

	got := conv.Context(context.Background(), "conv-1")
	if !strings.Contains(got, "user: what is the travel distance limit") {
		t.Errorf("conversation missing user turn: %q", got)
	}
	if !strings.Contains(got, "assistant: Travel distance") {
		t.Errorf("conversation missing assistant turn: %q", got)
	}
}

func TestProgressEventsPublished(t *testing.T) {
	gen := &routingGenerator{
		classification: "engage",
		planJSON:       `[{"question": "q"}]`,
		finalAnswer:    "An answer.",
	}
	c := New(gen, &recordingResearcher{}, nil, nil, nil, nil, Options{}, zaptest.NewLogger(t))

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	result := c.ProcessQuery(context.Background(), "a question", "")

	seen := map[string]bool{}
	for len(ch) > 0 {
		e := <-ch
		if e.RunID != result.RunID {
			t.Errorf("event for unexpected run %s", e.RunID)
		}
		if e.Status == "completed" {
			seen[e.Step] = true
		}
	}
	for _, step := range []string{engine.StepClassify, engine.StepPlan, engine.StepResearch, engine.StepSynthesize, engine.StepPersist} {
		if !seen[step] {
			t.Errorf("no completed event for step %s", step)
		}
	}

	if replay := c.ReplaySince(result.RunID, 0); len(replay) == 0 {
		t.Error("replay buffer empty")
	}
}

func TestReplayBuffersReleasedForOldRuns(t *testing.T) {
	gen := &routingGenerator{
		classification: "engage",
		planJSON:       `[{"question": "q"}]`,
		finalAnswer:    "An answer.",
	}
	c := New(gen, &recordingResearcher{}, nil, nil, nil, nil, Options{}, zaptest.NewLogger(t))

	runIDs := make([]string, 0, replayRetention+1)
	for i := 0; i <= replayRetention; i++ {
		result := c.ProcessQuery(context.Background(), "a question", "")
		runIDs = append(runIDs, result.RunID)
	}

	if replay := c.ReplaySince(runIDs[0], 0); len(replay) != 0 {
		t.Errorf("oldest run kept %d buffered events, want released", len(replay))
	}
	if replay := c.ReplaySince(runIDs[len(runIDs)-1], 0); len(replay) == 0 {
		t.Error("most recent run should still replay")
	}
}
