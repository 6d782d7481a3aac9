// internal/services/ratelimit_service.go
// 流量限制服務 - 固定視窗計數器

package services

import (
	"context"
	"fmt"
	"time"
)

// CounterStore 計數器儲存介面
// KeyDBService 為正式實作, 測試時可注入 fake
type CounterStore interface {
	// IncrWindow 遞增 key 的計數, 首次遞增時設定視窗過期, 回傳計數與視窗剩餘時間
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// ResetCounter 清除 key 的計數
	ResetCounter(ctx context.Context, key string) error
}

// RateLimitResult 限流檢查結果
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// RateLimitService 流量限制服務
// 不阻塞呼叫端: 超限時由呼叫端自行決定拒絕方式,
// 儲存層錯誤原樣回傳, fail-open / fail-closed 由呼叫端決定
type RateLimitService struct {
	store  CounterStore
	max    int
	window time.Duration
}

// NewRateLimitService 建立流量限制服務
func NewRateLimitService(store CounterStore, max int, window time.Duration) *RateLimitService {
	return &RateLimitService{
		store:  store,
		max:    max,
		window: window,
	}
}

// Check 檢查並遞增 key 的計數
// scope 用於隔離不同用途的計數 (smtp / api)
func (s *RateLimitService) Check(ctx context.Context, scope, key string) (*RateLimitResult, error) {
	count, resetIn, err := s.store.IncrWindow(ctx, scope+":"+key, s.window)
	if err != nil {
		return nil, fmt.Errorf("rate limit store error: %w", err)
	}

	remaining := s.max - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   count <= int64(s.max),
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}

// Reset 清除 key 的計數
func (s *RateLimitService) Reset(ctx context.Context, scope, key string) error {
	return s.store.ResetCounter(ctx, scope+":"+key)
}
