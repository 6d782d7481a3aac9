// internal/services/queue_service_test.go

package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryTierForMatchesTableExactly(t *testing.T) {
	// 表上每個延遲都有自己的層級, 不會被其他層級吸收
	for _, delay := range defaultRetryDelays {
		assert.Equal(t, delay, retryTierFor(delay), "delay %v", delay)
	}
}

func TestRetryTierForRoundsUpToNextTier(t *testing.T) {
	assert.Equal(t, time.Minute, retryTierFor(30*time.Second))
	assert.Equal(t, 6*time.Hour, retryTierFor(90*time.Minute))
	assert.Equal(t, 10*time.Second, retryTierFor(0))

	// 超出表上限時取最後一層
	assert.Equal(t, 120*time.Hour, retryTierFor(200*time.Hour))
}

func TestRetryTierQueueNames(t *testing.T) {
	expected := map[time.Duration]string{
		10 * time.Second: "retry-queue-10s",
		time.Minute:      "retry-queue-1m",
		5 * time.Minute:  "retry-queue-5m",
		15 * time.Minute: "retry-queue-15m",
		time.Hour:        "retry-queue-1h",
		6 * time.Hour:    "retry-queue-6h",
		12 * time.Hour:   "retry-queue-12h",
		24 * time.Hour:   "retry-queue-24h",
		120 * time.Hour:  "retry-queue-120h",
	}

	for tier, name := range expected {
		assert.Equal(t, name, retryTierQueue("retry-queue", tier))
	}
}
