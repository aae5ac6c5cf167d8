package kafka

import (
	"time"

	"github.com/Niiaks/Lodge/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	// TopicNotifications carries reservation notifications and payment reminders.
	TopicNotifications = "lodge.notifications"
	// TopicDLQ receives notifications the worker gave up on, and outbox rows
	// with an event type nobody consumes.
	TopicDLQ = "lodge.dlq"
)

const GroupNotificationWorker = "lodge.notification.worker"

// Record header keys.
const (
	HeaderEventType = "event_type"
	HeaderOutboxID  = "outbox_id"
	HeaderError     = "error"
	HeaderSource    = "source_topic"
)

type Config struct {
	Brokers         []string
	ClientID        string
	ProduceTimeout  time.Duration
	RequiredAcks    kgo.Acks
	SessionTimeout  time.Duration
	Heartbeat       time.Duration
	MaxPollRecords  int
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// NewConfig fills the client settings not exposed through the environment.
func NewConfig(app *config.KafkaConfig) *Config {
	cfg := &Config{
		Brokers:         app.Brokers,
		ClientID:        app.ClientID,
		ProduceTimeout:  app.ProduceTimeout,
		RequiredAcks:    kgo.AllISRAcks(),
		SessionTimeout:  10 * time.Second,
		Heartbeat:       3 * time.Second,
		MaxPollRecords:  app.MaxPollRecords,
		MaxRetries:      app.ConsumerRetries,
		RetryBackoff:    app.RetryBackoff,
		MaxRetryBackoff: app.MaxRetryBackoff,
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lodge"
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	return cfg
}

// Backoff is the wait before retry number attempt (1-based): the base doubled
// per attempt, capped at MaxRetryBackoff.
func (c *Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := c.RetryBackoff
	for i := 1; i < attempt && d < c.MaxRetryBackoff; i++ {
		d *= 2
	}
	if d > c.MaxRetryBackoff {
		d = c.MaxRetryBackoff
	}
	return d
}
