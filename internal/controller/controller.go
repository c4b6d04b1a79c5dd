package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/audit"
	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/conversation"
	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/events"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/metrics"
	"github.com/regulus-ai/regulus/internal/recovery"
	"github.com/regulus-ai/regulus/internal/steps"
)

const unrenderableAnswer = "I'm sorry, an internal error prevented me from answering. Please try again."

// replayRetention is how many finished runs keep their replay buffers.
// Older buffers are released so a long-lived process does not accumulate
// one per run.
const replayRetention = 8

// Result is what a caller gets back for one query.
type Result struct {
	RunID          string   `json:"run_id"`
	Answer         string   `json:"answer"`
	Confidence     float64  `json:"confidence"`
	Sources        []string `json:"sources,omitempty"`
	FromCache      bool     `json:"from_cache"`
	Status         string   `json:"status"`
	Classification string   `json:"classification"`
	DurationMs     int64    `json:"duration_ms"`
}

// Options bundles the engine tuning the controller needs.
type Options struct {
	MaxRetries int
	MaxHops    int
	MaxTasks   int
	Messages   steps.Messages
}

// Controller owns the query pipeline: it builds the step graph once and
// runs every incoming query through it, publishing progress events and
// recording audit trails on the side.
type Controller struct {
	engine        *engine.Engine
	events        *events.Manager
	conversations *conversation.Manager
	audit         *audit.Writer
	maxRetries    int
	logger        *zap.Logger

	mu          sync.Mutex
	retiredRuns []string
}

// New wires the pipeline. conversations, cacheManager, and auditWriter
// may be nil; the affected steps degrade to stateless behavior.
func New(
	generator llm.Generator,
	coordinator steps.Researcher,
	cacheManager *cache.Manager,
	conversations *conversation.Manager,
	auditWriter *audit.Writer,
	eventManager *events.Manager,
	opts Options,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventManager == nil {
		eventManager = events.NewManager(0, logger)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	eng := buildEngine(generator, coordinator, cacheManager, conversations, opts, eventManager, logger)

	return &Controller{
		engine:        eng,
		events:        eventManager,
		conversations: conversations,
		audit:         auditWriter,
		maxRetries:    opts.MaxRetries,
		logger:        logger,
	}
}

func buildEngine(
	generator llm.Generator,
	coordinator steps.Researcher,
	cacheManager *cache.Manager,
	conversations *conversation.Manager,
	opts Options,
	eventManager *events.Manager,
	logger *zap.Logger,
) *engine.Engine {
	eng := engine.New(recovery.NewManager(logger), logger)
	eng.SetPublisher(eventManager)
	if opts.MaxHops > 0 {
		eng.SetMaxHops(opts.MaxHops)
	}

	var recorder steps.MessageRecorder
	if conversations != nil {
		recorder = conversations
	}

	// classify is the entry node. Clarify and reject replies complete
	// the run inside the step, so routing only covers the continuing
	// classifications.
	eng.AddStep(steps.NewClassify(generator, opts.Messages, logger),
		engine.Transition{
			When: func(st *engine.WorkflowState) bool {
				return st.Classification == engine.ClassifyEngage &&
					st.ContextSufficient &&
					strings.TrimSpace(st.ConversationContext) != ""
			},
			To: engine.StepContextual,
		},
		engine.Transition{To: engine.StepCacheCheck},
	)

	eng.AddStep(steps.NewCacheCheck(cacheManager, logger),
		engine.Transition{
			When: func(st *engine.WorkflowState) bool { return st.FromCache },
			To:   engine.StepPersist,
		},
		engine.Transition{
			When: func(st *engine.WorkflowState) bool {
				return st.Classification == engine.ClassifyDirectRetrieval
			},
			To: engine.StepResearch,
		},
		engine.Transition{To: engine.StepPlan},
	)

	eng.AddStep(steps.NewPlan(generator, opts.MaxTasks, logger),
		engine.Transition{To: engine.StepResearch},
	)
	eng.AddStep(steps.NewResearch(coordinator, logger),
		engine.Transition{To: engine.StepSynthesize},
	)
	eng.AddStep(steps.NewSynthesize(generator, logger),
		engine.Transition{To: engine.StepPersist},
	)
	eng.AddStep(steps.NewContextual(generator, logger),
		engine.Transition{To: engine.StepPersist},
	)
	eng.AddStep(steps.NewPersist(recorder, cacheManager, logger))

	return eng
}

// ProcessQuery runs one query through the pipeline. The caller always
// gets a presentable answer: even configuration defects are rendered
// into an apology rather than surfaced as a raw error.
func (c *Controller) ProcessQuery(ctx context.Context, query, conversationID string) *Result {
	runID := uuid.NewString()
	start := time.Now()

	conversationContext := ""
	if c.conversations != nil && conversationID != "" {
		conversationContext = c.conversations.Context(ctx, conversationID)
	}

	st := engine.NewState(runID, query, conversationID, conversationContext, c.maxRetries)

	st, err := c.engine.Run(ctx, st)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error("Run failed without a rendered answer",
			zap.String("run_id", runID),
			zap.Error(err),
		)
		if strings.TrimSpace(st.FinalAnswer) == "" {
			st.FinalAnswer = unrenderableAnswer
			st.ConfidenceScore = 0
		}
	}

	metrics.RecordRunMetrics(string(st.Status), elapsed.Seconds())
	c.recordAudit(st, elapsed)
	c.retireRun(runID)

	c.logger.Info("Run finished",
		zap.String("run_id", runID),
		zap.String("status", string(st.Status)),
		zap.String("classification", string(st.Classification)),
		zap.Bool("from_cache", st.FromCache),
		zap.Duration("duration", elapsed),
	)

	return &Result{
		RunID:          runID,
		Answer:         st.FinalAnswer,
		Confidence:     st.ConfidenceScore,
		Sources:        st.AnswerSources,
		FromCache:      st.FromCache,
		Status:         string(st.Status),
		Classification: string(st.Classification),
		DurationMs:     elapsed.Milliseconds(),
	}
}

// retireRun keeps replay buffers for the last few finished runs so a
// reconnecting subscriber can still catch up, and frees the rest.
func (c *Controller) retireRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retiredRuns = append(c.retiredRuns, runID)
	for len(c.retiredRuns) > replayRetention {
		c.events.Forget(c.retiredRuns[0])
		c.retiredRuns = c.retiredRuns[1:]
	}
}

func (c *Controller) recordAudit(st *engine.WorkflowState, elapsed time.Duration) {
	if c.audit == nil {
		return
	}

	run := &audit.RunRecord{
		RunID:          st.RunID,
		ConversationID: st.ConversationID,
		Query:          st.OriginalQuery,
		Classification: string(st.Classification),
		Status:         string(st.Status),
		FinalAnswer:    st.FinalAnswer,
		Confidence:     st.ConfidenceScore,
		FromCache:      st.FromCache,
		RetryCount:     st.RetryCount,
		DurationMs:     elapsed.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}

	stepRecords := make([]audit.StepRecord, 0, len(st.ExecutionLog))
	for i, rec := range st.ExecutionLog {
		stepRecords = append(stepRecords, audit.StepRecord{
			RunID:        st.RunID,
			Position:     i,
			StepName:     rec.StepName,
			Success:      rec.Success,
			DurationMs:   rec.DurationMs,
			ErrorMessage: rec.ErrorMessage,
		})
	}

	c.audit.Record(run, stepRecords)
}

// Subscribe attaches a progress event consumer.
func (c *Controller) Subscribe() (string, <-chan events.Event) {
	return c.events.Subscribe()
}

// Unsubscribe detaches a consumer.
func (c *Controller) Unsubscribe(id string) {
	c.events.Unsubscribe(id)
}

// ReplaySince returns buffered events for a run after the given
// sequence number.
func (c *Controller) ReplaySince(runID string, afterSeq uint64) []events.Event {
	return c.events.ReplaySince(runID, afterSeq)
}
