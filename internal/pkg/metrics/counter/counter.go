package counter

import (
	"context"
	"strings"

	"github.com/fairwaymentors/clubhouse/internal/pkg/cache"
)

const (
	webhookReceivedKey = "billing:counters:webhook_received"
	webhookFailedKey   = "billing:counters:webhook_failed"
)

// AddWebhookReceived increments the received counter for a webhook event type in Redis.
func AddWebhookReceived(eventType string) error {
	return incrField(webhookReceivedKey, eventType)
}

// AddWebhookFailed increments the failure counter for a webhook event type in Redis.
func AddWebhookFailed(eventType string) error {
	return incrField(webhookFailedKey, eventType)
}

// WebhookReceivedCounts returns the per-event-type received counters.
func WebhookReceivedCounts() (map[string]string, error) {
	return cache.GetClient().HGetAll(context.Background(), webhookReceivedKey).Result()
}

// WebhookFailedCounts returns the per-event-type failure counters.
func WebhookFailedCounts() (map[string]string, error) {
	return cache.GetClient().HGetAll(context.Background(), webhookFailedKey).Result()
}

func incrField(key, field string) error {
	field = strings.TrimSpace(field)
	if field == "" {
		field = "unknown"
	}
	return cache.GetClient().HIncrBy(context.Background(), key, field, 1).Err()
}
