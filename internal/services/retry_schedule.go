// internal/services/retry_schedule.go
// 重試排程 - 固定延遲表

package services

import "time"

// defaultRetryDelays 標準重試延遲表
// 索引為已嘗試次數, 最後一項是最後一次排定的重試,
// 之後的失敗一律進入死信佇列
var defaultRetryDelays = []time.Duration{
	10 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	120 * time.Hour,
}

// RetrySchedule 重試排程
type RetrySchedule struct {
	delays []time.Duration
}

// NewRetrySchedule 建立標準重試排程
func NewRetrySchedule() *RetrySchedule {
	return &RetrySchedule{delays: defaultRetryDelays}
}

// NewRetryScheduleWithDelays 以自訂延遲表建立排程 (測試用)
func NewRetryScheduleWithDelays(delays []time.Duration) *RetrySchedule {
	return &RetrySchedule{delays: delays}
}

// NextDelay 取得第 attemptIndex 次失敗後的重試延遲
// attemptIndex 超出表長時回傳 ok=false, 表示應進入死信佇列
func (s *RetrySchedule) NextDelay(attemptIndex int) (time.Duration, bool) {
	if attemptIndex < 0 || attemptIndex >= len(s.delays) {
		return 0, false
	}
	return s.delays[attemptIndex], true
}

// MaxAttempts 重試表長度
func (s *RetrySchedule) MaxAttempts() int {
	return len(s.delays)
}
