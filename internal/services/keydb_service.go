// internal/services/keydb_service.go
// KeyDB 共用儲存服務 - 狀態快取、工作鎖、MX 快取、流量計數器
// 程序啟動時建立一次, 所有元件共用同一條連線

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// KeyDB key 命名空間
const (
	statusKeyPrefix    = "mail:status:"
	jobLockKeyPrefix   = "job:lock:"
	mxCacheKeyPrefix   = "mx:"
	rateLimitKeyPrefix = "ratelimit:"
)

// KeyDBService KeyDB 服務
type KeyDBService struct {
	cfg    *config.Config
	client *redis.Client
}

// NewKeyDBService 建立 KeyDB 服務
func NewKeyDBService(cfg *config.Config) (*KeyDBService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.KeyDBURL,
		Password: cfg.KeyDBPassword,
		DB:       0,
	})

	// 測試連接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to KeyDB: %w", err)
	}

	return &KeyDBService{
		cfg:    cfg,
		client: client,
	}, nil
}

// SetStatus 設定郵件狀態
func (s *KeyDBService) SetStatus(ctx context.Context, mailID, status string, attemptCount int, errorMsg string) error {
	key := statusKeyPrefix + mailID

	statusCache := models.MailStatusCache{
		MailID:       mailID,
		Status:       status,
		AttemptCount: attemptCount,
		LastUpdated:  time.Now().UTC().Format(time.RFC3339),
		ErrorMessage: errorMsg,
	}

	data, err := json.Marshal(statusCache)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	return s.client.Set(ctx, key, data, s.cfg.KeyDBStatusTTL).Err()
}

// GetStatus 取得郵件狀態
func (s *KeyDBService) GetStatus(ctx context.Context, mailID string) (*models.MailStatusCache, error) {
	key := statusKeyPrefix + mailID

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("status not found")
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var status models.MailStatusCache
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}

	return &status, nil
}

// AcquireJobLock 取得工作鎖 (SET NX EX)
// 同一 mail_id 同時只能有一個 worker 處理
func (s *KeyDBService) AcquireJobLock(ctx context.Context, mailID string, ttl time.Duration) (bool, error) {
	key := jobLockKeyPrefix + mailID
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	return ok, nil
}

// ReleaseJobLock 釋放工作鎖
func (s *KeyDBService) ReleaseJobLock(ctx context.Context, mailID string) error {
	return s.client.Del(ctx, jobLockKeyPrefix+mailID).Err()
}

// GetMXCache 取得 MX 快取
// 過期或不存在皆回傳 nil entry (cache miss)
func (s *KeyDBService) GetMXCache(ctx context.Context, domain string) (*models.MXCacheEntry, error) {
	data, err := s.client.Get(ctx, mxCacheKeyPrefix+domain).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get MX cache: %w", err)
	}

	var entry models.MXCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MX cache: %w", err)
	}

	return &entry, nil
}

// SetMXCache 寫入 MX 快取 (帶 TTL)
func (s *KeyDBService) SetMXCache(ctx context.Context, entry *models.MXCacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal MX cache: %w", err)
	}
	return s.client.Set(ctx, mxCacheKeyPrefix+entry.Domain, data, ttl).Err()
}

// IncrWindow 遞增視窗計數器
// 首次遞增時以 pipeline 原子性地設定視窗過期時間 (EXPIRE NX),
// 回傳目前計數與視窗剩餘時間
func (s *KeyDBService) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := rateLimitKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	ttl := pipe.TTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// ResetCounter 清除計數器
func (s *KeyDBService) ResetCounter(ctx context.Context, key string) error {
	return s.client.Del(ctx, rateLimitKeyPrefix+key).Err()
}

// Ping 檢查連接
func (s *KeyDBService) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close 關閉連接
func (s *KeyDBService) Close() error {
	return s.client.Close()
}
