// internal/services/mx_resolver.go
// MX 解析服務 - DNS MX 查詢與 KeyDB 快取

package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// ErrNoDeliverableHost 網域查無任何 MX 記錄 (永久性失敗)
var ErrNoDeliverableHost = errors.New("no deliverable host for domain")

// MXCacheStore MX 快取儲存介面
// KeyDBService 為正式實作, 過期由儲存層 TTL 處理 (過期即 miss)
type MXCacheStore interface {
	GetMXCache(ctx context.Context, domain string) (*models.MXCacheEntry, error)
	SetMXCache(ctx context.Context, entry *models.MXCacheEntry, ttl time.Duration) error
}

// LookupMXFunc DNS MX 查詢函式, 測試時可注入 fake
type LookupMXFunc func(ctx context.Context, domain string) ([]*net.MX, error)

// MXResolverService MX 解析服務
type MXResolverService struct {
	cache    MXCacheStore
	lookupMX LookupMXFunc
	ttl      time.Duration
	timeout  time.Duration

	// 同一網域的並行 cache miss 只觸發一次查詢
	group singleflight.Group
}

// NewMXResolverService 建立 MX 解析服務
// lookupMX 傳入 nil 時使用系統 DNS
func NewMXResolverService(cfg *config.Config, cache MXCacheStore, lookupMX LookupMXFunc) *MXResolverService {
	if lookupMX == nil {
		resolver := &net.Resolver{}
		lookupMX = resolver.LookupMX
	}
	return &MXResolverService{
		cache:    cache,
		lookupMX: lookupMX,
		ttl:      cfg.MXCacheTTL,
		timeout:  cfg.DNSTimeout,
	}
}

// Resolve 解析網域的 MX 主機, 依 priority 升冪排序
// 快取命中時不做任何 DNS I/O; 查詢失敗不寫入快取 (下次重新查詢)
func (s *MXResolverService) Resolve(ctx context.Context, domain string) ([]models.MXRecord, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if entry, err := s.cache.GetMXCache(ctx, domain); err != nil {
		// 快取層故障時降級為直接查詢, 不中斷投遞
		log.Printf("[MX] 快取讀取失敗 (domain=%s): %v", domain, err)
	} else if entry != nil {
		return entry.Records, nil
	}

	// singleflight + double-check: 並行 miss 只做一次查詢
	v, err, _ := s.group.Do(domain, func() (interface{}, error) {
		if entry, err := s.cache.GetMXCache(ctx, domain); err == nil && entry != nil {
			return entry.Records, nil
		}

		records, err := s.resolveFresh(ctx, domain)
		if err != nil {
			return nil, err
		}

		entry := &models.MXCacheEntry{
			Domain:     domain,
			Records:    records,
			ResolvedAt: time.Now().UTC(),
		}
		if err := s.cache.SetMXCache(ctx, entry, s.ttl); err != nil {
			log.Printf("[MX] 快取寫入失敗 (domain=%s): %v", domain, err)
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.MXRecord), nil
}

// resolveFresh 執行 DNS MX 查詢
func (s *MXResolverService) resolveFresh(ctx context.Context, domain string) ([]models.MXRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	mxs, err := s.lookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// NXDOMAIN: 查無網域即查無可投遞主機
			return nil, fmt.Errorf("%w: %s", ErrNoDeliverableHost, domain)
		}
		return nil, fmt.Errorf("MX lookup failed for %s: %w", domain, err)
	}

	if len(mxs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDeliverableHost, domain)
	}

	records := make([]models.MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		records = append(records, models.MXRecord{
			Host:     host,
			Priority: mx.Pref,
		})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDeliverableHost, domain)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	return records, nil
}
