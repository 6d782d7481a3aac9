// internal/services/mail_sender.go
// 郵件投遞共用介面與錯誤分類

package services

import (
	"context"
	"errors"
	"fmt"

	"mail-relay/internal/models"
)

// HostDeliverer 單一主機投遞介面
// SMTPSender 為正式實作, 測試時可注入 fake
type HostDeliverer interface {
	// Deliver 對單一 MX 主機投遞, 成功時回傳遠端回覆的 message id
	Deliver(ctx context.Context, host string, job *models.MailJob, rcpts []models.Address) (string, error)

	// Name 回傳服務名稱, 用於 logging
	Name() string
}

// RemoteError 遠端 SMTP 伺服器回覆的錯誤
type RemoteError struct {
	Code    int
	Message string
}

// Error 實作 error 介面
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote SMTP error %d: %s", e.Code, e.Message)
}

// Permanent 5xx 為永久性拒絕
func (e *RemoteError) Permanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsPermanentDeliveryError 判斷是否為永久性投遞失敗
// 永久性失敗直接進入死信佇列, 不再重試
func IsPermanentDeliveryError(err error) bool {
	if errors.Is(err, ErrNoDeliverableHost) {
		return true
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Permanent()
	}
	return false
}
