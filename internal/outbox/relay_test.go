package outbox

import (
	"testing"
	"time"

	"github.com/Niiaks/Lodge/internal/kafka"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/stretchr/testify/assert"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{notify.EventRequested, kafka.TopicNotifications},
		{notify.EventCancelled, kafka.TopicNotifications},
		{notify.EventReminder, kafka.TopicNotifications},
		{"ledger.rebuilt", kafka.TopicDLQ},
		{"", kafka.TopicDLQ},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicFor(tt.eventType))
		})
	}
}

func TestRetryDelay(t *testing.T) {
	base := 2 * time.Second

	assert.Equal(t, 2*time.Second, RetryDelay(0, base))
	assert.Equal(t, 4*time.Second, RetryDelay(1, base))
	assert.Equal(t, 16*time.Second, RetryDelay(3, base))
	assert.Equal(t, 5*time.Minute, RetryDelay(10, base))
	assert.Equal(t, 5*time.Minute, RetryDelay(40, base))
}
