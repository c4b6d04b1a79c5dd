package steps

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/research"
)

// scriptedGenerator returns canned replies in order.
type scriptedGenerator struct {
	replies []string
	err     error
	calls   int
	prompts []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if g.calls >= len(g.replies) {
		return "", fmt.Errorf("no scripted reply for call %d", g.calls)
	}
	reply := g.replies[g.calls]
	g.calls++
	return reply, nil
}

func testState(query string) *engine.WorkflowState {
	return engine.NewState("run-1", query, "conv-1", "", 3)
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := cache.NewManager(cache.NewRedisStore(client, zaptest.NewLogger(t)), cache.DefaultConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestClassifyEngage(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`{"label": "engage", "context_sufficient": false}`}}
	s := NewClassify(gen, Messages{}, zaptest.NewLogger(t))

	st := testState("what are the egress requirements for assembly occupancies")
	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.Classification != engine.ClassifyEngage {
		t.Errorf("classification = %v", *delta.Classification)
	}
	if *delta.ContextSufficient {
		t.Error("context_sufficient should be false")
	}
	if delta.Status != nil {
		t.Error("engage must not complete the run")
	}
}

func TestClassifyRejectSetsCannedAnswer(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`{"label": "reject", "context_sufficient": false}`}}
	s := NewClassify(gen, Messages{Reject: "Topic not supported."}, zaptest.NewLogger(t))

	delta, err := s.Execute(context.Background(), testState("what's a good pasta recipe"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.FinalAnswer != "Topic not supported." {
		t.Errorf("answer = %q", *delta.FinalAnswer)
	}
	if *delta.Status != engine.StatusCompleted {
		t.Error("reject must complete the run")
	}
}

func TestClassifyDirectRetrievalExtractsEntity(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`{"label": "direct_retrieval", "context_sufficient": false}`}}
	s := NewClassify(gen, Messages{}, zaptest.NewLogger(t))

	delta, err := s.Execute(context.Background(), testState("Show me Section 101.1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if delta.EntityID == nil || *delta.EntityID != "101.1" {
		t.Fatalf("entity = %v", delta.EntityID)
	}
	if len(delta.Plan) != 1 {
		t.Fatalf("plan = %+v, want single task", delta.Plan)
	}
}

func TestClassifyDirectRetrievalWithoutEntityDowngrades(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`{"label": "direct_retrieval", "context_sufficient": false}`}}
	s := NewClassify(gen, Messages{}, zaptest.NewLogger(t))

	delta, err := s.Execute(context.Background(), testState("show me the relevant part"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.Classification != engine.ClassifyEngage {
		t.Errorf("classification = %v, want engage downgrade", *delta.Classification)
	}
}

func TestClassifyGarbageDefaultsToEngage(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"I think this is probably a question about buildings?"}}
	s := NewClassify(gen, Messages{}, zaptest.NewLogger(t))

	delta, err := s.Execute(context.Background(), testState("how high can a fence be"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.Classification != engine.ClassifyEngage {
		t.Errorf("classification = %v, want engage", *delta.Classification)
	}
}

func TestClassifyValidateRejectsEmptyQuery(t *testing.T) {
	s := NewClassify(&scriptedGenerator{}, Messages{}, zaptest.NewLogger(t))
	err := s.Validate(testState("   "))
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCacheCheckMissThenHit(t *testing.T) {
	cm := newTestCache(t)
	s := NewCacheCheck(cm, zaptest.NewLogger(t))
	st := testState("what is the maximum travel distance")

	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.FromCache {
		t.Fatal("first lookup should miss")
	}

	cm.PutAnswer(context.Background(), st.Query, cache.Entry{
		AnswerText:      "Travel distance is limited to 250 feet in sprinklered buildings.",
		ConfidenceScore: 0.85,
		Sources:         []string{"1017.1"},
	}, false)

	delta, err = s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !*delta.FromCache {
		t.Fatal("second lookup should hit")
	}
	if *delta.Confidence != 0.85 {
		t.Errorf("confidence = %v", *delta.Confidence)
	}
	if len(delta.AnswerSources) != 1 {
		t.Errorf("sources = %v", delta.AnswerSources)
	}
}

func TestCacheCheckNilManagerAlwaysMisses(t *testing.T) {
	s := NewCacheCheck(nil, zaptest.NewLogger(t))
	delta, err := s.Execute(context.Background(), testState("anything"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.FromCache {
		t.Error("nil cache should miss")
	}
}

func TestPlanParsesTasks(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`Here is the plan:
[{"question": "What is the occupant load factor for assembly?", "hypothetical_answer": "Table 1004.5 assigns 7 net sq ft per occupant."},
 {"question": "How many exits are required?", "hypothetical_answer": "Section 1006.2 requires two exits above 49 occupants."}]`}}
	s := NewPlan(gen, 5, zaptest.NewLogger(t))

	delta, err := s.Execute(context.Background(), testState("how many exits does my event hall need"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(delta.Plan) != 2 {
		t.Fatalf("plan = %+v", delta.Plan)
	}
	if delta.Plan[0].HypotheticalDocument == "" {
		t.Error("hypothetical answer missing")
	}
}

func TestPlanFallsBackToSingleTask(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"I cannot produce JSON today."}}
	s := NewPlan(gen, 5, zaptest.NewLogger(t))

	st := testState("how tall can my shed be")
	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(delta.Plan) != 1 || delta.Plan[0].Text != st.Query {
		t.Fatalf("plan = %+v, want single task with the query", delta.Plan)
	}
}

func TestPlanCapsTaskCount(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`[
{"question": "a"}, {"question": "b"}, {"question": "c"}, {"question": "d"}]`}}
	s := NewPlan(gen, 2, zaptest.NewLogger(t))

	delta, err := s.Execute(context.Background(), testState("a sprawling question"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(delta.Plan) != 2 {
		t.Fatalf("plan size = %d, want 2", len(delta.Plan))
	}
}

type fakeResearcher struct {
	results []engine.SubQueryResult
	err     error
	hints   research.StructuralHints
}

func (f *fakeResearcher) Execute(ctx context.Context, plan []engine.SubQueryTask, hints research.StructuralHints) ([]engine.SubQueryResult, error) {
	f.hints = hints
	return f.results, f.err
}

func TestResearchPassesEntityHints(t *testing.T) {
	fr := &fakeResearcher{results: []engine.SubQueryResult{{SubQuery: "q", AnswerText: "a", Succeeded: true}}}
	s := NewResearch(fr, zaptest.NewLogger(t))

	st := testState("Show me Section 101.1")
	st.Plan = []engine.SubQueryTask{{Text: st.Query}}
	st.EntityID = "101.1"

	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fr.hints.EntityID != "101.1" {
		t.Errorf("hints = %+v", fr.hints)
	}
	if len(delta.SubAnswers) != 1 {
		t.Errorf("sub answers = %+v", delta.SubAnswers)
	}
}

func TestResearchValidateRequiresPlan(t *testing.T) {
	s := NewResearch(&fakeResearcher{}, zaptest.NewLogger(t))
	err := s.Validate(testState("anything"))
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "plan" {
		t.Fatalf("err = %v, want plan ValidationError", err)
	}
}

func TestSynthesizeParsesConfidence(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		"Two exits are required once occupant load exceeds 49. [1006.2]\nCONFIDENCE: 0.85",
	}}
	s := NewSynthesize(gen, zaptest.NewLogger(t))

	st := testState("how many exits do I need")
	st.SubAnswers = []engine.SubQueryResult{
		{SubQuery: "exit count", AnswerText: "Section 1006.2 requires two exits.", SourcesUsed: []string{"1006.2"}, Succeeded: true},
	}

	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.Confidence != 0.85 {
		t.Errorf("confidence = %v", *delta.Confidence)
	}
	if *delta.FinalAnswer != "Two exits are required once occupant load exceeds 49. [1006.2]" {
		t.Errorf("answer = %q", *delta.FinalAnswer)
	}
	if len(delta.AnswerSources) != 1 || delta.AnswerSources[0] != "1006.2" {
		t.Errorf("sources = %v", delta.AnswerSources)
	}
}

func TestParseConfidence(t *testing.T) {
	cases := []struct {
		raw        string
		wantAnswer string
		wantConf   float64
	}{
		{"Answer.\nCONFIDENCE: 0.9", "Answer.", 0.9},
		{"Answer.\nconfidence: 1.7", "Answer.", 1.0},
		{"Answer without a confidence line.", "Answer without a confidence line.", defaultConfidence},
		{"Answer.\nCONFIDENCE: not-a-number", "Answer.\nCONFIDENCE: not-a-number", defaultConfidence},
	}
	for _, tc := range cases {
		answer, conf := ParseConfidence(tc.raw)
		if answer != tc.wantAnswer || conf != tc.wantConf {
			t.Errorf("ParseConfidence(%q) = (%q, %v), want (%q, %v)", tc.raw, answer, conf, tc.wantAnswer, tc.wantConf)
		}
	}
}

func TestSynthesizeDeduplicatesSources(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"Final answer text.\nCONFIDENCE: 0.7"}}
	s := NewSynthesize(gen, zaptest.NewLogger(t))

	st := testState("q")
	st.SubAnswers = []engine.SubQueryResult{
		{SubQuery: "a", AnswerText: "x", SourcesUsed: []string{"101.1", "102.1"}, Succeeded: true},
		{SubQuery: "b", AnswerText: "y", SourcesUsed: []string{"101.1"}, Succeeded: true},
		{SubQuery: "c", AnswerText: "z", SourcesUsed: []string{"999"}, Succeeded: false},
	}

	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"101.1", "102.1"}
	if len(delta.AnswerSources) != len(want) {
		t.Fatalf("sources = %v, want %v", delta.AnswerSources, want)
	}
}

func TestContextualRequiresContext(t *testing.T) {
	s := NewContextual(&scriptedGenerator{}, zaptest.NewLogger(t))
	err := s.Validate(testState("and what about the second floor"))
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "conversation_context" {
		t.Fatalf("err = %v, want conversation_context ValidationError", err)
	}
}

func TestContextualAnswersFromHistory(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"As discussed, the limit is 250 feet.\nCONFIDENCE: 0.8"}}
	s := NewContextual(gen, zaptest.NewLogger(t))

	st := engine.NewState("run-1", "and in sprinklered buildings?", "conv-1",
		"user: what is the travel distance limit\nassistant: 200 feet, or 250 when sprinklered", 3)

	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.Confidence != 0.8 {
		t.Errorf("confidence = %v", *delta.Confidence)
	}
}

type fakeRecorder struct {
	messages []string
	err      error
}

func (f *fakeRecorder) AddMessage(ctx context.Context, conversationID, role, text string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, role+": "+text)
	return nil
}

func TestPersistRecordsAndCaches(t *testing.T) {
	cm := newTestCache(t)
	rec := &fakeRecorder{}
	s := NewPersist(rec, cm, zaptest.NewLogger(t))

	st := testState("what is the handrail height")
	st.FinalAnswer = "Handrails must be 34 to 38 inches above nosings."
	st.ConfidenceScore = 0.9
	st.AnswerSources = []string{"1014.2"}

	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.Status != engine.StatusCompleted {
		t.Error("persist must complete the run")
	}
	if len(rec.messages) != 2 {
		t.Fatalf("messages = %v", rec.messages)
	}
	if _, ok := cm.GetAnswer(context.Background(), st.Query); !ok {
		t.Error("answer should be cached")
	}
}

func TestPersistSkipsCacheAfterRecovery(t *testing.T) {
	cm := newTestCache(t)
	s := NewPersist(nil, cm, zaptest.NewLogger(t))

	st := testState("a question that went sideways")
	st.FinalAnswer = "A degraded but presentable answer for the user."
	st.ConfidenceScore = 0.9
	st.ErrorInfo = &engine.ErrorRecord{FailedStep: engine.StepSynthesize, Message: "boom"}

	if _, err := s.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := cm.GetAnswer(context.Background(), st.Query); ok {
		t.Error("recovered runs must not seed the cache")
	}
}

func TestPersistToleratesRecorderFailure(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("redis down")}
	s := NewPersist(rec, nil, zaptest.NewLogger(t))

	st := testState("q")
	st.FinalAnswer = "An answer."

	delta, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *delta.Status != engine.StatusCompleted {
		t.Error("recorder failure must not fail the run")
	}
}
