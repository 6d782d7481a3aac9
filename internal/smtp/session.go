// internal/smtp/session.go
// SMTP Session 處理 - 將 go-smtp 連線事件轉交給狀態機

package smtp

import (
	"context"
	"errors"
	"io"
	"log"

	gosmtp "github.com/emersion/go-smtp"
)

// Session 實作 smtp.Session 介面
// 所有協定決策由 StateMachine 處理, Session 只負責轉譯
type Session struct {
	machine *StateMachine
}

// NewSession 建立新的 Session
func NewSession(machine *StateMachine) *Session {
	return &Session{machine: machine}
}

// Mail 處理 MAIL FROM 指令
func (s *Session) Mail(from string, opts *gosmtp.MailOptions) error {
	log.Printf("[SMTP] MAIL FROM: %s", from)
	if err := s.machine.MailFrom(context.Background(), from); err != nil {
		return toSMTPError(err)
	}
	return nil
}

// Rcpt 處理 RCPT TO 指令
func (s *Session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	log.Printf("[SMTP] RCPT TO: %s", to)
	if err := s.machine.RcptTo(context.Background(), to); err != nil {
		return toSMTPError(err)
	}
	return nil
}

// Data 處理 DATA 指令, 接收郵件內容
func (s *Session) Data(r io.Reader) error {
	mailID, err := s.machine.Data(context.Background(), r)
	if err != nil {
		log.Printf("[SMTP] 郵件接收失敗: %v", err)
		return toSMTPError(err)
	}

	log.Printf("[SMTP] 郵件已排入佇列: mail_id=%s", mailID)
	return nil
}

// Reset 重置 Session 狀態
func (s *Session) Reset() {
	s.machine.Reset()
}

// Logout 處理 QUIT 指令
func (s *Session) Logout() error {
	log.Printf("[SMTP] Session 結束")
	return nil
}

// toSMTPError 將狀態機錯誤轉為 go-smtp 的線上回應
func toSMTPError(err error) error {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 0, 0},
			Message:      "temporary processing failure",
		}
	}

	class := gwErr.Code / 100
	return &gosmtp.SMTPError{
		Code:         gwErr.Code,
		EnhancedCode: gosmtp.EnhancedCode{class, 0, 0},
		Message:      gwErr.Message,
	}
}
