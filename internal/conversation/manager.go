package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/metrics"
)

const keyPrefix = "conversation:"

type cachedConversation struct {
	conv       *Conversation
	lastAccess time.Time
}

// Manager stores conversation history in Redis with a local
// read-through cache. All methods degrade gracefully when Redis is
// unavailable: reads fall back to the local copy, writes are dropped
// with a warning.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger

	mu    sync.RWMutex
	local map[string]*cachedConversation
}

// NewManager creates a conversation manager. The Redis client may be
// nil, leaving only the in-process cache.
func NewManager(client *redis.Client, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()
	return &Manager{
		redis:  client,
		config: config,
		logger: logger,
		local:  make(map[string]*cachedConversation),
	}
}

// GetOrCreate fetches a conversation, creating it on first use.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Conversation, error) {
	if conv := m.fromLocal(id); conv != nil {
		metrics.ConversationCacheHits.Inc()
		return conv, nil
	}
	metrics.ConversationCacheMisses.Inc()

	if conv := m.fromRedis(ctx, id); conv != nil {
		m.toLocal(conv)
		return conv, nil
	}

	now := time.Now().UTC()
	conv := &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
	m.toLocal(conv)
	m.toRedis(ctx, conv)
	return conv, nil
}

// AddMessage appends one turn, trimming history to the configured
// bound, and persists the conversation.
func (m *Manager) AddMessage(ctx context.Context, conversationID, role, text string) error {
	if conversationID == "" {
		return errors.New("conversation id required")
	}

	conv, err := m.GetOrCreate(ctx, conversationID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conv.Messages = append(conv.Messages, Message{
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	if len(conv.Messages) > m.config.MaxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-m.config.MaxMessages:]
	}
	conv.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.toRedis(ctx, conv)
	return nil
}

// Context renders the most recent turns as prompt-ready lines. Returns
// an empty string for unknown conversations.
func (m *Manager) Context(ctx context.Context, conversationID string) string {
	if conversationID == "" {
		return ""
	}

	conv := m.fromLocal(conversationID)
	if conv == nil {
		conv = m.fromRedis(ctx, conversationID)
		if conv != nil {
			m.toLocal(conv)
		}
	}
	if conv == nil {
		return ""
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := conv.Messages
	if len(msgs) > m.config.ContextWindow {
		msgs = msgs[len(msgs)-m.config.ContextWindow:]
	}
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Text))
	}
	return strings.Join(lines, "\n")
}

// Close releases the Redis client.
func (m *Manager) Close() error {
	if m.redis == nil {
		return nil
	}
	return m.redis.Close()
}

func (m *Manager) fromLocal(id string) *Conversation {
	// Full lock: the access-time bump is a write.
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.local[id]; ok {
		entry.lastAccess = time.Now()
		return entry.conv
	}
	return nil
}

func (m *Manager) toLocal(conv *Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.local) >= m.config.LocalCacheSize {
		m.evictOldest()
	}
	m.local[conv.ID] = &cachedConversation{conv: conv, lastAccess: time.Now()}
	metrics.ConversationCacheSize.Set(float64(len(m.local)))
}

// evictOldest drops the least recently accessed entry. Caller holds mu.
func (m *Manager) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, entry := range m.local {
		if oldestID == "" || entry.lastAccess.Before(oldest) {
			oldestID = id
			oldest = entry.lastAccess
		}
	}
	if oldestID != "" {
		delete(m.local, oldestID)
		metrics.ConversationCacheEvictions.Inc()
	}
}

func (m *Manager) fromRedis(ctx context.Context, id string) *Conversation {
	if m.redis == nil {
		return nil
	}

	raw, err := m.redis.Get(ctx, keyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		m.logger.Warn("Conversation read failed",
			zap.String("conversation_id", id),
			zap.Error(err),
		)
		return nil
	}

	var conv Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		m.logger.Warn("Corrupt conversation record",
			zap.String("conversation_id", id),
			zap.Error(err),
		)
		return nil
	}
	return &conv
}

func (m *Manager) toRedis(ctx context.Context, conv *Conversation) {
	if m.redis == nil {
		return
	}

	m.mu.RLock()
	raw, err := json.Marshal(conv)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Warn("Failed to encode conversation", zap.Error(err))
		return
	}

	if err := m.redis.Set(ctx, keyPrefix+conv.ID, raw, m.config.TTL).Err(); err != nil {
		m.logger.Warn("Conversation write failed",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
	}
}
