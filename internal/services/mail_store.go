// internal/services/mail_store.go
// 郵件記錄儲存服務 - 集中所有 mails 資料表寫入

package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"mail-relay/internal/models"
)

// MailStoreService 郵件記錄儲存服務
type MailStoreService struct {
	db *gorm.DB
}

// NewMailStoreService 建立郵件記錄儲存服務
func NewMailStoreService(db *gorm.DB) *MailStoreService {
	return &MailStoreService{db: db}
}

// CreateMail 建立郵件記錄 (含附件)
func (s *MailStoreService) CreateMail(ctx context.Context, mail *models.Mail) error {
	return s.db.WithContext(ctx).Create(mail).Error
}

// GetMail 查詢郵件記錄
func (s *MailStoreService) GetMail(ctx context.Context, mailID string) (*models.Mail, error) {
	var mail models.Mail
	if err := s.db.WithContext(ctx).Where("id = ?", mailID).First(&mail).Error; err != nil {
		return nil, err
	}
	return &mail, nil
}

// MarkProcessing 標記為處理中 (in-flight)
func (s *MailStoreService) MarkProcessing(ctx context.Context, mailID string, attemptCount int) error {
	return s.db.WithContext(ctx).Model(&models.Mail{}).Where("id = ?", mailID).Updates(map[string]interface{}{
		"status":        models.MailStatusProcessing,
		"attempt_count": attemptCount,
	}).Error
}

// MarkSent 標記為已送出
func (s *MailStoreService) MarkSent(ctx context.Context, mailID string, sentAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Mail{}).Where("id = ?", mailID).Updates(map[string]interface{}{
		"status":  models.MailStatusSent,
		"sent_at": sentAt,
	}).Error
}

// MarkRetryScheduled 標記為待重試 (回到 queued, 帶下次嘗試時間)
func (s *MailStoreService) MarkRetryScheduled(ctx context.Context, mailID string, attemptCount int, nextAttemptAt time.Time, errMsg string) error {
	return s.db.WithContext(ctx).Model(&models.Mail{}).Where("id = ?", mailID).Updates(map[string]interface{}{
		"status":          models.MailStatusQueued,
		"attempt_count":   attemptCount,
		"next_attempt_at": nextAttemptAt,
		"error_message":   errMsg,
	}).Error
}

// MarkDeadLettered 標記為死信 (終態)
func (s *MailStoreService) MarkDeadLettered(ctx context.Context, mailID string, attemptCount int, errMsg string) error {
	return s.db.WithContext(ctx).Model(&models.Mail{}).Where("id = ?", mailID).Updates(map[string]interface{}{
		"status":        models.MailStatusDeadLettered,
		"attempt_count": attemptCount,
		"error_message": errMsg,
	}).Error
}
