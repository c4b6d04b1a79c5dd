package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/metrics"
)

const (
	answerKeyPrefix    = "answer:"
	subAnswerKeyPrefix = "subanswer:"
	usageKeyPrefix     = "answer:uses:"

	tierAnswer    = "answer"
	tierSubAnswer = "subanswer"
)

// Entry is a cached whole-query answer.
type Entry struct {
	AnswerText      string    `json:"answer_text"`
	ConfidenceScore float64   `json:"confidence_score"`
	Sources         []string  `json:"sources,omitempty"`
	CachedAt        time.Time `json:"cached_at"`
	UsageCount      int64     `json:"usage_count"`
}

// SubEntry is a cached per-sub-query research result.
type SubEntry struct {
	AnswerText      string    `json:"answer_text"`
	RetrievalMethod string    `json:"retrieval_method"`
	Sources         []string  `json:"sources,omitempty"`
	CachedAt        time.Time `json:"cached_at"`
}

// Config holds cache tuning. Zero values are replaced by defaults.
type Config struct {
	AnswerTTL       time.Duration `yaml:"answer_ttl" mapstructure:"answer_ttl"`
	SubAnswerTTL    time.Duration `yaml:"sub_answer_ttl" mapstructure:"sub_answer_ttl"`
	MinAnswerLength int           `yaml:"min_answer_length" mapstructure:"min_answer_length"`
	MinConfidence   float64       `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// DefaultConfig returns the standard admission and retention policy.
func DefaultConfig() Config {
	return Config{
		AnswerTTL:       30 * 24 * time.Hour,
		SubAnswerTTL:    time.Hour,
		MinAnswerLength: 15,
		MinConfidence:   0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AnswerTTL <= 0 {
		c.AnswerTTL = d.AnswerTTL
	}
	if c.SubAnswerTTL <= 0 {
		c.SubAnswerTTL = d.SubAnswerTTL
	}
	if c.MinAnswerLength <= 0 {
		c.MinAnswerLength = d.MinAnswerLength
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
}

// Manager provides the two cache tiers: whole-query answers with an
// admission policy, and per-sub-query answers cached unconditionally.
// A nil store makes every lookup a miss and every write a no-op.
type Manager struct {
	store  Store
	config Config
	logger *zap.Logger
}

// NewManager creates a cache manager over the given store.
func NewManager(store Store, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()
	return &Manager{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Normalize canonicalizes query text before hashing so trivially
// different phrasings share a cache slot.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

func hashKey(prefix, query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return prefix + hex.EncodeToString(sum[:])
}

// GetAnswer looks up a whole-query answer. A hit bumps the usage counter.
func (m *Manager) GetAnswer(ctx context.Context, query string) (*Entry, bool) {
	if m.store == nil {
		metrics.CacheMisses.WithLabelValues(tierAnswer).Inc()
		return nil, false
	}

	key := hashKey(answerKeyPrefix, query)
	raw, ok := m.store.Get(ctx, key)
	if !ok {
		metrics.CacheMisses.WithLabelValues(tierAnswer).Inc()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		m.logger.Warn("Corrupt cache entry, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.CacheMisses.WithLabelValues(tierAnswer).Inc()
		return nil, false
	}

	m.store.Incr(ctx, hashKey(usageKeyPrefix, query))
	entry.UsageCount++
	metrics.CacheHits.WithLabelValues(tierAnswer).Inc()
	return &entry, true
}

// PutAnswer stores a whole-query answer if it passes admission. Answers
// that were themselves served from cache are never re-admitted.
// Returns whether the entry was admitted.
func (m *Manager) PutAnswer(ctx context.Context, query string, entry Entry, fromCache bool) bool {
	admitted := m.admit(entry, fromCache)
	metrics.CacheWrites.WithLabelValues(tierAnswer, boolLabel(admitted)).Inc()
	if !admitted || m.store == nil {
		return false
	}

	entry.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(entry)
	if err != nil {
		m.logger.Warn("Failed to encode cache entry", zap.Error(err))
		return false
	}

	m.store.Set(ctx, hashKey(answerKeyPrefix, query), string(raw), m.config.AnswerTTL)
	return true
}

func (m *Manager) admit(entry Entry, fromCache bool) bool {
	if fromCache {
		return false
	}
	if len(strings.TrimSpace(entry.AnswerText)) < m.config.MinAnswerLength {
		return false
	}
	if entry.ConfidenceScore < m.config.MinConfidence {
		return false
	}
	return true
}

// GetSubAnswer looks up a cached research result for one sub-query.
func (m *Manager) GetSubAnswer(ctx context.Context, subQuery string) (*SubEntry, bool) {
	if m.store == nil {
		metrics.CacheMisses.WithLabelValues(tierSubAnswer).Inc()
		return nil, false
	}

	key := hashKey(subAnswerKeyPrefix, subQuery)
	raw, ok := m.store.Get(ctx, key)
	if !ok {
		metrics.CacheMisses.WithLabelValues(tierSubAnswer).Inc()
		return nil, false
	}

	var entry SubEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		m.logger.Warn("Corrupt sub-answer entry, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.CacheMisses.WithLabelValues(tierSubAnswer).Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues(tierSubAnswer).Inc()
	return &entry, true
}

// PutSubAnswer stores a research result with no admission gate. Failed
// lookups are still excluded by callers; the short TTL bounds staleness.
func (m *Manager) PutSubAnswer(ctx context.Context, subQuery string, entry SubEntry) {
	metrics.CacheWrites.WithLabelValues(tierSubAnswer, "true").Inc()
	if m.store == nil {
		return
	}

	entry.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(entry)
	if err != nil {
		m.logger.Warn("Failed to encode sub-answer entry", zap.Error(err))
		return
	}

	m.store.Set(ctx, hashKey(subAnswerKeyPrefix, subQuery), string(raw), m.config.SubAnswerTTL)
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
