package conversation

import "time"

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted history for one conversation ID.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config tunes conversation storage.
type Config struct {
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxMessages    int           `yaml:"max_messages" mapstructure:"max_messages"`
	ContextWindow  int           `yaml:"context_window" mapstructure:"context_window"`
	LocalCacheSize int           `yaml:"local_cache_size" mapstructure:"local_cache_size"`
}

// DefaultConfig returns the standard retention policy.
func DefaultConfig() Config {
	return Config{
		TTL:            24 * time.Hour,
		MaxMessages:    50,
		ContextWindow:  10,
		LocalCacheSize: 512,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = d.ContextWindow
	}
	if c.LocalCacheSize <= 0 {
		c.LocalCacheSize = d.LocalCacheSize
	}
}
