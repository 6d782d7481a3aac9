// internal/services/smtp_sender.go
// 外送 SMTP 投遞服務 - 對 MX 主機直接投遞
// 以 net/textproto 對話以取得遠端 250 回覆中的 message id

package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// SMTPSender 外送 SMTP 投遞服務
// 實作 HostDeliverer interface
type SMTPSender struct {
	cfg *config.Config
}

// NewSMTPSender 建立外送 SMTP 服務
func NewSMTPSender(cfg *config.Config) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Name 回傳服務名稱
func (s *SMTPSender) Name() string {
	return "SMTP"
}

// Deliver 對單一 MX 主機投遞
// 連線與握手驗證失敗回傳一般錯誤 (呼叫端換下一台主機);
// 遠端明確拒絕時回傳 *RemoteError, 由呼叫端分類 4xx/5xx
func (s *SMTPSender) Deliver(ctx context.Context, host string, job *models.MailJob, rcpts []models.Address) (string, error) {
	msg, err := s.BuildMessage(job)
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}

	dialer := net.Dialer{Timeout: s.cfg.SMTPDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "25"))
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	defer conn.Close()

	// 整體投遞逾時: 單一無回應主機不得卡住 worker
	deadline := time.Now().Add(s.cfg.SMTPHostTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set deadline: %w", err)
	}

	text := textproto.NewConn(conn)
	defer text.Close()

	// 握手驗證: 220 greeting + EHLO
	if _, _, err := text.ReadResponse(220); err != nil {
		return "", fmt.Errorf("greeting failed from %s: %w", host, classifyReply(err))
	}
	if err := s.command(text, 250, "EHLO %s", s.cfg.SMTPHeloHostname); err != nil {
		return "", fmt.Errorf("EHLO rejected by %s: %w", host, err)
	}

	// 信封
	if err := s.command(text, 250, "MAIL FROM:<%s>", job.FromAddress); err != nil {
		return "", fmt.Errorf("MAIL FROM rejected by %s: %w", host, err)
	}
	for _, rcpt := range rcpts {
		// 250 或 251 (forward) 皆視為接受
		if err := s.command(text, 2, "RCPT TO:<%s>", rcpt.Address); err != nil {
			return "", fmt.Errorf("RCPT TO <%s> rejected by %s: %w", rcpt.Address, host, err)
		}
	}

	// 內容
	if err := s.command(text, 354, "DATA"); err != nil {
		return "", fmt.Errorf("DATA rejected by %s: %w", host, err)
	}

	w := text.DotWriter()
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write message to %s: %w", host, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish message to %s: %w", host, err)
	}

	_, reply, err := text.ReadResponse(250)
	if err != nil {
		return "", fmt.Errorf("message not accepted by %s: %w", host, classifyReply(err))
	}

	// 離線失敗不影響已接受的投遞
	if err := s.command(text, 221, "QUIT"); err != nil {
		log.Printf("[SMTP] QUIT 失敗 (host=%s): %v", host, err)
	}

	return remoteMessageID(reply), nil
}

// command 送出指令並讀取預期回覆
func (s *SMTPSender) command(text *textproto.Conn, expectCode int, format string, args ...interface{}) error {
	if err := text.PrintfLine(format, args...); err != nil {
		return err
	}
	if _, _, err := text.ReadResponse(expectCode); err != nil {
		return classifyReply(err)
	}
	return nil
}

// classifyReply 將 textproto 錯誤轉為 RemoteError
// 非協定錯誤 (I/O、逾時) 原樣回傳, 視為暫時性失敗
func classifyReply(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return &RemoteError{Code: protoErr.Code, Message: protoErr.Msg}
	}
	return err
}

// remoteMessageID 從 250 回覆取出遠端 message id
// 例: "2.0.0 OK 1700000000 x1si123 - gsmtp" → 回傳整行作為收據
func remoteMessageID(reply string) string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "accepted"
	}
	return reply
}

// BuildMessage 組出 RFC 5322 郵件內容
// BCC 只進信封, 不寫入標頭
func (s *SMTPSender) BuildMessage(job *models.MailJob) ([]byte, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(job.Subject)
	header.SetAddressList("From", []*mail.Address{{Address: job.FromAddress}})
	header.SetAddressList("To", toMailAddresses(job.ToAddresses))
	if len(job.CCAddresses) > 0 {
		header.SetAddressList("Cc", toMailAddresses(job.CCAddresses))
	}
	header.Set("Message-Id", fmt.Sprintf("<%s@%s>", job.MailID, s.cfg.SMTPHeloHostname))

	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	// 內文 (text/plain 與 text/html)
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	if job.Body != "" {
		var th mail.InlineHeader
		th.Set("Content-Type", "text/plain; charset=utf-8")
		pw, err := iw.CreatePart(th)
		if err != nil {
			return nil, fmt.Errorf("failed to create text part: %w", err)
		}
		io.WriteString(pw, job.Body)
		pw.Close()
	}
	if job.HTML != "" {
		var hh mail.InlineHeader
		hh.Set("Content-Type", "text/html; charset=utf-8")
		pw, err := iw.CreatePart(hh)
		if err != nil {
			return nil, fmt.Errorf("failed to create html part: %w", err)
		}
		io.WriteString(pw, job.HTML)
		pw.Close()
	}
	iw.Close()

	// 附件
	for _, att := range job.Attachments {
		content, err := os.ReadFile(att.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", att.Filename, err)
		}

		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		var ah mail.AttachmentHeader
		ah.Set("Content-Type", contentType)
		ah.SetFilename(filepath.Base(att.Filename))

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %s: %w", att.Filename, err)
		}
		if _, err := aw.Write(content); err != nil {
			aw.Close()
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}

	return buf.Bytes(), nil
}

// toMailAddresses 轉換為 go-message 地址格式
func toMailAddresses(addrs []models.Address) []*mail.Address {
	result := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		result[i] = &mail.Address{Name: a.Name, Address: a.Address}
	}
	return result
}
