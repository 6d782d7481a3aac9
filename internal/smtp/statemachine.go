// internal/smtp/statemachine.go
// SMTP 交易狀態機 - 與傳輸層解耦
// 每個轉移一個方法, 由 transport adapter (session.go) 呼叫,
// 不依賴 socket 即可單元測試

package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// State 交易狀態
type State int

const (
	StateConnected State = iota // 連線已接受
	StateMail                   // MAIL FROM 已接受
	StateRcpt                   // 至少一個 RCPT TO 已接受
	StateDone                   // DATA 完成, 郵件已入佇列
)

// GatewayError 狀態機回傳的協定錯誤
// Code 為標準 SMTP 回覆碼, 由 transport adapter 轉為線上回應
type GatewayError struct {
	Code    int
	Message string
}

// Error 實作 error 介面
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Temporary 4xx 為暫時性失敗 (客戶端可重試)
func (e *GatewayError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// MailStore 郵件記錄寫入介面
type MailStore interface {
	CreateMail(ctx context.Context, mail *models.Mail) error
}

// JobQueue 佇列發布介面
type JobQueue interface {
	PublishMail(ctx context.Context, job *models.MailJob) error
}

// StatusStore 狀態快取介面
type StatusStore interface {
	SetStatus(ctx context.Context, mailID, status string, attemptCount int, errorMsg string) error
}

// ConnectionLimiter 連線限流介面
type ConnectionLimiter interface {
	Check(ctx context.Context, scope, key string) (*services.RateLimitResult, error)
}

// StateMachine SMTP 交易狀態機
// 一條連線一個實例, 連線關閉即丟棄
type StateMachine struct {
	cfg     *config.Config
	store   MailStore
	queue   JobQueue
	status  StatusStore
	limiter ConnectionLimiter
	policy  *services.AddressPolicy

	state      State
	remoteAddr string
	from       string
	rcpts      []string
}

// NewStateMachine 建立狀態機
func NewStateMachine(cfg *config.Config, store MailStore, queue JobQueue, status StatusStore, limiter ConnectionLimiter) *StateMachine {
	return &StateMachine{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		status:  status,
		limiter: limiter,
		policy:  services.NewAddressPolicy(cfg.SMTPAllowedDomains),
		rcpts:   make([]string, 0),
	}
}

// State 目前狀態
func (m *StateMachine) State() State {
	return m.state
}

// Connect 處理新連線
// 以遠端位址查詢連線限流; 超限回傳 421 暫時性失敗,
// 限流儲存層故障採 fail-closed (同樣 421, 不得默認放行)
func (m *StateMachine) Connect(ctx context.Context, remoteAddr string) error {
	result, err := m.limiter.Check(ctx, "smtp", remoteAddr)
	if err != nil {
		return &GatewayError{Code: 421, Message: "service temporarily unavailable"}
	}
	if !result.Allowed {
		return &GatewayError{
			Code:    421,
			Message: fmt.Sprintf("too many connections, retry in %ds", int(result.ResetIn.Seconds())+1),
		}
	}

	m.remoteAddr = remoteAddr
	m.state = StateConnected
	return nil
}

// MailFrom 處理 MAIL FROM
// 寄件網域必須在允許清單中 (空白清單表示允許全部)
func (m *StateMachine) MailFrom(ctx context.Context, from string) error {
	from = cleanEmail(from)

	if err := m.policy.CheckSender(from); err != nil {
		if errors.Is(err, services.ErrSenderDomainNotAllowed) {
			return &GatewayError{Code: 550, Message: err.Error()}
		}
		return &GatewayError{Code: 501, Message: err.Error()}
	}

	m.from = from
	m.state = StateMail
	return nil
}

// RcptTo 處理 RCPT TO
// 單一無效收件人回傳錯誤但不中止交易, 交易是否成立由 Data 決定
func (m *StateMachine) RcptTo(ctx context.Context, to string) error {
	if m.state != StateMail && m.state != StateRcpt {
		return &GatewayError{Code: 503, Message: "need MAIL command first"}
	}

	to = cleanEmail(to)
	if err := m.policy.CheckRecipient(to); err != nil {
		return &GatewayError{Code: 550, Message: err.Error()}
	}

	if len(m.rcpts) >= m.cfg.SMTPMaxRecipients {
		return &GatewayError{Code: 452, Message: "too many recipients"}
	}

	m.rcpts = append(m.rcpts, to)
	m.state = StateRcpt
	return nil
}

// Data 處理 DATA - 接收並解析完整郵件
// 成功時建立郵件記錄並發布投遞工作, 回傳 mail id
func (m *StateMachine) Data(ctx context.Context, r io.Reader) (string, error) {
	if m.state != StateRcpt || len(m.rcpts) == 0 {
		return "", &GatewayError{Code: 554, Message: "no valid recipients"}
	}

	maxSize := int64(m.cfg.SMTPMaxMessageSize) * 1024 * 1024

	parsed, err := parseMessage(m.cfg, io.LimitReader(r, maxSize+1), m.from, m.rcpts)
	if err != nil {
		if gwErr, ok := err.(*GatewayError); ok {
			return "", gwErr
		}
		// 內部解析錯誤一律回暫時性失敗, 避免合法郵件因暫時性問題被永久拒絕
		return "", &GatewayError{Code: 451, Message: "temporary processing failure, try again later"}
	}
	if parsed.size > maxSize {
		return "", &GatewayError{Code: 552, Message: fmt.Sprintf("message too large (max %d MB)", m.cfg.SMTPMaxMessageSize)}
	}

	mailRecord := parsed.mail
	if err := m.store.CreateMail(ctx, mailRecord); err != nil {
		return "", &GatewayError{Code: 451, Message: "temporary storage failure, try again later"}
	}

	job := &models.MailJob{
		MailID:       mailRecord.ID.String(),
		FromAddress:  mailRecord.FromAddress,
		ToAddresses:  parsed.to,
		CCAddresses:  parsed.cc,
		BCCAddresses: parsed.bcc,
		Subject:      mailRecord.Subject,
		Body:         mailRecord.Body,
		HTML:         mailRecord.HTML,
		Attachments:  parsed.attachmentInfos,
		AttemptCount: 0,
	}

	if err := m.queue.PublishMail(ctx, job); err != nil {
		return "", &GatewayError{Code: 451, Message: "temporary queue failure, try again later"}
	}

	// 狀態快取失敗不影響已入佇列的郵件
	m.status.SetStatus(ctx, job.MailID, string(models.MailStatusQueued), 0, "")

	m.state = StateDone
	return job.MailID, nil
}

// Reset 重置交易狀態 (RSET 或交易完成後)
func (m *StateMachine) Reset() {
	m.from = ""
	m.rcpts = make([]string, 0)
	if m.state != StateConnected {
		m.state = StateConnected
	}
}

// cleanEmail 清理郵件地址（移除角括號）
func cleanEmail(email string) string {
	email = strings.TrimSpace(email)
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")
	return email
}
