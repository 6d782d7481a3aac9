// internal/services/failure_reporter.go
// 失敗回報服務 - 營運可見性的 write-only sink
// 本身的錯誤只記 log, 不得回傳影響投遞流程

package services

import (
	"context"
	"log"

	"gorm.io/gorm"

	"mail-relay/internal/models"
)

// FailureEvent 失敗事件
type FailureEvent struct {
	MailID       string
	QueueName    string
	AttemptCount int
	Reason       string
}

// Reporter 失敗回報介面
type Reporter interface {
	Record(ctx context.Context, event FailureEvent)
}

// FailureReporter 失敗回報服務
type FailureReporter struct {
	db *gorm.DB
}

// NewFailureReporter 建立失敗回報服務
func NewFailureReporter(db *gorm.DB) *FailureReporter {
	return &FailureReporter{db: db}
}

// Record 寫入失敗記錄
// best-effort: 寫入失敗只記 log 後吞掉
func (r *FailureReporter) Record(ctx context.Context, event FailureEvent) {
	log.Printf("[Reporter] 投遞失敗: mail_id=%s queue=%s attempts=%d reason=%s",
		event.MailID, event.QueueName, event.AttemptCount, event.Reason)

	record := models.FailureRecord{
		MailID:       event.MailID,
		QueueName:    event.QueueName,
		AttemptCount: event.AttemptCount,
		Reason:       event.Reason,
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		log.Printf("[Reporter] 失敗記錄寫入失敗 (mail_id=%s): %v", event.MailID, err)
	}
}
