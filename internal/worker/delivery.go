// internal/worker/delivery.go
// 投遞流程核心 - 依網域解析 MX、依優先序嘗試主機、排程重試

package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// MXResolver MX 解析介面
type MXResolver interface {
	Resolve(ctx context.Context, domain string) ([]models.MXRecord, error)
}

// JobQueue 重試與死信發布介面
type JobQueue interface {
	PublishRetry(ctx context.Context, job *models.MailJob, delay time.Duration) error
	PublishDeadLetter(ctx context.Context, job *models.MailJob) error
}

// StatusStore 狀態快取與工作鎖介面
type StatusStore interface {
	SetStatus(ctx context.Context, mailID, status string, attemptCount int, errorMsg string) error
	AcquireJobLock(ctx context.Context, mailID string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, mailID string) error
}

// MailStore 郵件記錄更新介面
type MailStore interface {
	GetMail(ctx context.Context, mailID string) (*models.Mail, error)
	MarkProcessing(ctx context.Context, mailID string, attemptCount int) error
	MarkSent(ctx context.Context, mailID string, sentAt time.Time) error
	MarkRetryScheduled(ctx context.Context, mailID string, attemptCount int, nextAttemptAt time.Time, errMsg string) error
	MarkDeadLettered(ctx context.Context, mailID string, attemptCount int, errMsg string) error
}

// Processor 處理單一投遞工作
type Processor struct {
	cfg       *config.Config
	resolver  MXResolver
	deliverer services.HostDeliverer
	queue     JobQueue
	statuses  StatusStore
	store     MailStore
	reporter  services.Reporter
	schedule  *services.RetrySchedule
}

// NewProcessor 建立 Processor
func NewProcessor(
	cfg *config.Config,
	resolver MXResolver,
	deliverer services.HostDeliverer,
	queue JobQueue,
	statuses StatusStore,
	store MailStore,
	reporter services.Reporter,
	schedule *services.RetrySchedule,
) *Processor {
	return &Processor{
		cfg:       cfg,
		resolver:  resolver,
		deliverer: deliverer,
		queue:     queue,
		statuses:  statuses,
		store:     store,
		reporter:  reporter,
		schedule:  schedule,
	}
}

// domainResult 單一網域的投遞結果
type domainResult struct {
	domain    string
	messageID string
	err       error
}

// Process 處理一筆投遞工作
// 回傳錯誤表示工作未被消化 (應 nack 重新排隊), 成功回傳 nil 表示可 ack
func (p *Processor) Process(ctx context.Context, job *models.MailJob) error {
	// 同一郵件同一時間只允許一個 worker 處理
	acquired, err := p.statuses.AcquireJobLock(ctx, job.MailID, p.cfg.JobLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !acquired {
		// 鎖可能是崩潰的 worker 留下的, 工作不可就此消失:
		// 原封不動送回重試佇列 (不計入嘗試次數), 鎖過期後重新投遞
		log.Printf("[Worker] 郵件 %s 已有其他 worker 處理中, 延後重新投遞", job.MailID)
		delay, _ := p.schedule.NextDelay(0)
		if err := p.queue.PublishRetry(ctx, job, delay); err != nil {
			return fmt.Errorf("failed to requeue locked job: %w", err)
		}
		return nil
	}
	defer p.statuses.ReleaseJobLock(ctx, job.MailID)

	// 已取消的郵件直接丟棄
	if mailRecord, err := p.store.GetMail(ctx, job.MailID); err == nil {
		if mailRecord.Status == models.MailStatusCancelled {
			log.Printf("[Worker] 郵件 %s 已取消, 跳過投遞", job.MailID)
			return nil
		}
	}

	log.Printf("[Worker] 開始處理郵件: %s (attempt: %d)", job.MailID, job.AttemptCount)

	if err := p.store.MarkProcessing(ctx, job.MailID, job.AttemptCount); err != nil {
		log.Printf("[Worker] 更新郵件狀態失敗 %s: %v", job.MailID, err)
	}
	p.statuses.SetStatus(ctx, job.MailID, string(models.MailStatusProcessing), job.AttemptCount, "")

	// 依網域分組投遞, 各網域結果獨立
	groups := job.RecipientsByDomain()
	if len(groups) == 0 {
		return p.deadLetter(ctx, job, "no deliverable recipients")
	}

	succeeded := make(map[string]bool)
	var failures []domainResult

	for domain, rcpts := range groups {
		result := p.deliverDomain(ctx, domain, job, rcpts)
		if result.err != nil {
			log.Printf("[Worker] 網域 %s 投遞失敗 (mail=%s): %v", domain, job.MailID, result.err)
			failures = append(failures, result)
			continue
		}
		log.Printf("[Worker] 網域 %s 投遞成功 (mail=%s, remote_id=%s)", domain, job.MailID, result.messageID)
		succeeded[domain] = true
	}

	// 全部成功
	if len(failures) == 0 {
		now := time.Now()
		if err := p.store.MarkSent(ctx, job.MailID, now); err != nil {
			log.Printf("[Worker] 更新寄出狀態失敗 %s: %v", job.MailID, err)
		}
		p.statuses.SetStatus(ctx, job.MailID, string(models.MailStatusSent), job.AttemptCount, "")
		log.Printf("[Worker] 郵件投遞完成: %s", job.MailID)
		return nil
	}

	// 成功的網域不再重送, 從工作中移除
	if len(succeeded) > 0 {
		job.RemoveRecipientDomains(succeeded)
	}

	// 任一網域永久失敗即終止重試
	for _, f := range failures {
		if services.IsPermanentDeliveryError(f.err) {
			return p.deadLetter(ctx, job, fmt.Sprintf("permanent failure for domain %s: %v", f.domain, f.err))
		}
	}

	return p.scheduleRetry(ctx, job, failureSummary(failures))
}

// deliverDomain 對單一網域投遞
// 依 MX 優先序嘗試主機, 第一台成功即完成; 永久性回覆中止嘗試
func (p *Processor) deliverDomain(ctx context.Context, domain string, job *models.MailJob, rcpts []models.Address) domainResult {
	records, err := p.resolver.Resolve(ctx, domain)
	if err != nil {
		return domainResult{domain: domain, err: err}
	}

	var lastErr error
	for _, record := range records {
		messageID, err := p.deliverer.Deliver(ctx, record.Host, job, rcpts)
		if err == nil {
			return domainResult{domain: domain, messageID: messageID}
		}

		lastErr = err
		if services.IsPermanentDeliveryError(err) {
			// 遠端明確拒絕, 換主機也不會改變結果
			break
		}
		log.Printf("[Worker] 主機 %s 暫時性失敗 (domain=%s): %v", record.Host, domain, err)
	}

	return domainResult{domain: domain, err: lastErr}
}

// scheduleRetry 安排下一次重試
// 重試表耗盡時轉入死信
func (p *Processor) scheduleRetry(ctx context.Context, job *models.MailJob, reason string) error {
	delay, ok := p.schedule.NextDelay(job.AttemptCount)
	job.AttemptCount++

	if !ok {
		return p.deadLetter(ctx, job, fmt.Sprintf("retry schedule exhausted after %d attempts: %s", job.AttemptCount, reason))
	}

	nextAttempt := time.Now().Add(delay)
	job.NextAttemptAt = &nextAttempt

	if err := p.queue.PublishRetry(ctx, job, delay); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	if err := p.store.MarkRetryScheduled(ctx, job.MailID, job.AttemptCount, nextAttempt, reason); err != nil {
		log.Printf("[Worker] 更新重試狀態失敗 %s: %v", job.MailID, err)
	}
	p.statuses.SetStatus(ctx, job.MailID, string(models.MailStatusQueued), job.AttemptCount, reason)

	log.Printf("[Worker] 郵件 %s 將於 %v 後重試 (attempt: %d)", job.MailID, delay, job.AttemptCount)
	return nil
}

// deadLetter 轉入死信佇列 (終態, 不再重試)
func (p *Processor) deadLetter(ctx context.Context, job *models.MailJob, reason string) error {
	if err := p.queue.PublishDeadLetter(ctx, job); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	p.reporter.Record(ctx, services.FailureEvent{
		MailID:       job.MailID,
		QueueName:    p.cfg.DeadLetterQueueName,
		AttemptCount: job.AttemptCount,
		Reason:       reason,
	})

	if err := p.store.MarkDeadLettered(ctx, job.MailID, job.AttemptCount, reason); err != nil {
		log.Printf("[Worker] 更新死信狀態失敗 %s: %v", job.MailID, err)
	}
	p.statuses.SetStatus(ctx, job.MailID, string(models.MailStatusDeadLettered), job.AttemptCount, reason)

	log.Printf("[Worker] 郵件 %s 轉入死信佇列: %s", job.MailID, reason)
	return nil
}

// failureSummary 彙整各網域失敗原因
func failureSummary(failures []domainResult) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.domain, f.err))
	}
	return strings.Join(parts, "; ")
}
