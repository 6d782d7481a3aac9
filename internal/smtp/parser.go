// internal/smtp/parser.go
// MIME 郵件解析 - 拆出標頭、純文字/HTML 內文、附件與 Cc/Bcc 地址

package smtp

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// parsedMessage 解析結果
type parsedMessage struct {
	mail            *models.Mail
	to              []models.Address
	cc              []models.Address
	bcc             []models.Address
	attachmentInfos []models.AttachmentInfo
	size            int64
}

// parseMessage 解析完整郵件內容
// 信封資訊 (MAIL FROM / RCPT TO) 優先於標頭
func parseMessage(cfg *config.Config, r io.Reader, envelopeFrom string, envelopeRcpts []string) (*parsedMessage, error) {
	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read mail data: %w", err)
	}

	mailID := uuid.New()

	mr, err := mail.CreateReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		// 無法解析 MIME 時整包視為純文字
		return simpleMessage(mailID, envelopeFrom, envelopeRcpts, buf.String(), size), nil
	}
	defer mr.Close()

	header := mr.Header
	subject, _ := header.Subject()

	from := envelopeFrom
	if from == "" {
		if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
			from = addrs[0].Address
		}
	}

	cc := headerAddresses(header, "Cc")
	bcc := headerAddresses(header, "Bcc")

	// 收件者優先使用信封 RCPT TO, 顯示名稱從標頭補齊;
	// 已列在 Cc/Bcc 標頭的信封收件人歸入該欄位, 不重複列入 To
	names := headerNames(header)
	inCopyLists := make(map[string]bool, len(cc)+len(bcc))
	for _, addr := range cc {
		inCopyLists[strings.ToLower(addr.Address)] = true
	}
	for _, addr := range bcc {
		inCopyLists[strings.ToLower(addr.Address)] = true
	}

	to := make([]models.Address, 0, len(envelopeRcpts))
	for _, rcpt := range envelopeRcpts {
		if inCopyLists[strings.ToLower(rcpt)] {
			continue
		}
		to = append(to, models.Address{Name: names[strings.ToLower(rcpt)], Address: rcpt})
	}

	// 解析郵件內容（純文字與 HTML）與附件
	var bodyText, bodyHTML string
	var attachments []models.Attachment
	var attachmentInfos []models.AttachmentInfo

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("[SMTP] 解析郵件部分失敗: %v", err)
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, _ := io.ReadAll(part.Body)

			if strings.HasPrefix(contentType, "text/plain") {
				bodyText = string(content)
			} else if strings.HasPrefix(contentType, "text/html") {
				bodyHTML = string(content)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, params, _ := h.ContentType()

			if filename == "" && params != nil {
				if name, ok := params["name"]; ok {
					filename = name
				}
			}
			if filename == "" {
				filename = fmt.Sprintf("attachment_%d%s", time.Now().Unix(), extensionFor(contentType))
			}

			data, err := io.ReadAll(part.Body)
			if err != nil {
				log.Printf("[SMTP] 讀取附件失敗 %s: %v", filename, err)
				continue
			}

			if int64(len(data)) > int64(cfg.MaxAttachmentSizeMB)*1024*1024 {
				return nil, &GatewayError{
					Code:    552,
					Message: fmt.Sprintf("attachment %s exceeds maximum size of %dMB", filename, cfg.MaxAttachmentSizeMB),
				}
			}

			storagePath, err := saveAttachment(cfg, mailID, filename, data)
			if err != nil {
				log.Printf("[SMTP] 儲存附件失敗 %s: %v", filename, err)
				continue
			}

			attachments = append(attachments, models.Attachment{
				ID:          uuid.New(),
				MailID:      mailID,
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   int64(len(data)),
				StoragePath: storagePath,
			})
			attachmentInfos = append(attachmentInfos, models.AttachmentInfo{
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   int64(len(data)),
				StoragePath: storagePath,
			})
		}
	}

	// 若沒有解析到內容，使用原始資料
	if bodyText == "" && bodyHTML == "" {
		bodyText = buf.String()
	}

	mailRecord := &models.Mail{
		ID:           mailID,
		FromAddress:  from,
		ToAddresses:  pq.StringArray(models.AddressStrings(to)),
		CCAddresses:  pq.StringArray(models.AddressStrings(cc)),
		BCCAddresses: pq.StringArray(models.AddressStrings(bcc)),
		Subject:      subject,
		Body:         bodyText,
		HTML:         bodyHTML,
		Status:       models.MailStatusQueued,
		ClientID:     "smtp-inbound",
		ClientName:   "SMTP Gateway",
		Attachments:  attachments,
	}

	return &parsedMessage{
		mail:            mailRecord,
		to:              to,
		cc:              cc,
		bcc:             bcc,
		attachmentInfos: attachmentInfos,
		size:            size,
	}, nil
}

// simpleMessage 無法解析 MIME 時的退路
func simpleMessage(mailID uuid.UUID, from string, rcpts []string, rawContent string, size int64) *parsedMessage {
	to := make([]models.Address, 0, len(rcpts))
	for _, rcpt := range rcpts {
		to = append(to, models.Address{Address: rcpt})
	}

	return &parsedMessage{
		mail: &models.Mail{
			ID:          mailID,
			FromAddress: from,
			ToAddresses: pq.StringArray(rcpts),
			Subject:     "(No Subject)",
			Body:        rawContent,
			Status:      models.MailStatusQueued,
			ClientID:    "smtp-inbound",
			ClientName:  "SMTP Gateway",
		},
		to:   to,
		size: size,
	}
}

// headerNames 取出標頭中地址對應的顯示名稱
func headerNames(header mail.Header) map[string]string {
	names := make(map[string]string)
	for _, key := range []string{"To", "Cc"} {
		if addrs, err := header.AddressList(key); err == nil {
			for _, addr := range addrs {
				if addr.Name != "" {
					names[strings.ToLower(addr.Address)] = addr.Name
				}
			}
		}
	}
	return names
}

// headerAddresses 取出指定標頭的地址列表
func headerAddresses(header mail.Header, key string) []models.Address {
	var result []models.Address
	if addrs, err := header.AddressList(key); err == nil {
		for _, addr := range addrs {
			result = append(result, models.Address{Name: addr.Name, Address: addr.Address})
		}
	}
	return result
}

// extensionFor 根據 content type 推測副檔名
func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		parts := strings.Split(contentType, "/")
		if len(parts) == 2 {
			return "." + parts[1]
		}
	case strings.HasPrefix(contentType, "application/pdf"):
		return ".pdf"
	case strings.HasPrefix(contentType, "text/"):
		return ".txt"
	}
	return ".bin"
}

// saveAttachment 儲存附件到檔案系統
// 路徑結構: AttachmentPath/YYYY/MM/DD/mailID/filename
func saveAttachment(cfg *config.Config, mailID uuid.UUID, filename string, data []byte) (string, error) {
	storagePath := filepath.Join(
		cfg.AttachmentPath,
		time.Now().Format("2006/01/02"),
		mailID.String(),
		filepath.Base(filename), // 清理檔名，避免路徑穿越攻擊
	)

	if err := os.MkdirAll(filepath.Dir(storagePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}

	if err := os.WriteFile(storagePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write attachment file: %w", err)
	}

	return storagePath, nil
}
