package counter

import (
	"context"
	"strconv"

	"github.com/flowpay/flowpay/internal/pkg/cache"
)

const (
	webhookReceivedKey  = "webhook:counters:received"
	webhookProcessedKey = "webhook:counters:processed"
	webhookFailedKey    = "webhook:counters:failed"
	webhookDuplicateKey = "webhook:counters:duplicate"
)

// AddReceived increments the received-delivery counter for a provider.
func AddReceived(providerName string) error {
	return incr(webhookReceivedKey, providerName)
}

// AddProcessed increments the processed-delivery counter for a provider.
func AddProcessed(providerName string) error {
	return incr(webhookProcessedKey, providerName)
}

// AddFailed increments the failed-delivery counter for a provider.
func AddFailed(providerName string) error {
	return incr(webhookFailedKey, providerName)
}

// AddDuplicate increments the duplicate-delivery counter for a provider.
func AddDuplicate(providerName string) error {
	return incr(webhookDuplicateKey, providerName)
}

func incr(key, field string) error {
	return cache.GetClient().HIncrBy(context.Background(), key, field, 1).Err()
}

// Snapshot reads all webhook delivery counters, grouped by provider.
func Snapshot() (map[string]map[string]int64, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	out := map[string]map[string]int64{}
	keys := map[string]string{
		"received":  webhookReceivedKey,
		"processed": webhookProcessedKey,
		"failed":    webhookFailedKey,
		"duplicate": webhookDuplicateKey,
	}
	for name, key := range keys {
		data, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		for providerName, raw := range data {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			if out[providerName] == nil {
				out[providerName] = map[string]int64{}
			}
			out[providerName][name] = n
		}
	}
	return out, nil
}
