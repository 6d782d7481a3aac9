// internal/models/mail.go
// 郵件資料模型

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// MailStatus 郵件狀態
// 狀態轉移為單向: queued → processing → (sent | queued | dead_lettered)
type MailStatus string

const (
	MailStatusQueued       MailStatus = "queued"
	MailStatusProcessing   MailStatus = "processing"
	MailStatusSent         MailStatus = "sent"
	MailStatusDeadLettered MailStatus = "dead_lettered"
	MailStatusCancelled    MailStatus = "cancelled"
)

// Address 郵件地址 (含顯示名稱)
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Domain 回傳地址的網域部分 (小寫)
func (a Address) Domain() string {
	at := strings.LastIndex(a.Address, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(a.Address[at+1:])
}

// AddressStrings 取出地址字串列表 (儲存至資料庫用)
func AddressStrings(addrs []Address) []string {
	result := make([]string, len(addrs))
	for i, a := range addrs {
		result[i] = a.Address
	}
	return result
}

// Mail 郵件資料模型
type Mail struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	FromAddress   string         `json:"from" gorm:"column:from_address;not null"`
	ToAddresses   pq.StringArray `json:"to" gorm:"column:to_addresses;type:text[];not null"`
	CCAddresses   pq.StringArray `json:"cc,omitempty" gorm:"column:cc_addresses;type:text[]"`
	BCCAddresses  pq.StringArray `json:"bcc,omitempty" gorm:"column:bcc_addresses;type:text[]"`
	Subject       string         `json:"subject" gorm:"not null"`
	Body          string         `json:"body,omitempty"`
	HTML          string         `json:"html,omitempty"`
	Status        MailStatus     `json:"status" gorm:"not null;default:'queued'"`
	AttemptCount  int            `json:"attempt_count" gorm:"default:0"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	ClientID      string         `json:"client_id" gorm:"not null"`
	ClientName    string         `json:"client_name,omitempty"`

	// 關聯
	Attachments []Attachment `json:"attachments,omitempty" gorm:"foreignKey:MailID"`
}

// TableName 指定資料表名稱
func (Mail) TableName() string {
	return "mails"
}

// Attachment 附件資料模型
type Attachment struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	MailID      uuid.UUID `json:"mail_id" gorm:"type:uuid;not null"`
	Filename    string    `json:"filename" gorm:"not null"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	StoragePath string    `json:"storage_path" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定資料表名稱
func (Attachment) TableName() string {
	return "attachments"
}

// MailJob RabbitMQ 訊息格式
// 佇列中的投遞工作單位, AttemptCount 只增不減
type MailJob struct {
	MailID        string           `json:"mail_id"`
	FromAddress   string           `json:"from"`
	ToAddresses   []Address        `json:"to"`
	CCAddresses   []Address        `json:"cc,omitempty"`
	BCCAddresses  []Address        `json:"bcc,omitempty"`
	Subject       string           `json:"subject"`
	Body          string           `json:"body,omitempty"`
	HTML          string           `json:"html,omitempty"`
	Attachments   []AttachmentInfo `json:"attachments,omitempty"`
	AttemptCount  int              `json:"attempt_count"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
}

// AllRecipients 回傳所有收件地址 (To + CC + BCC)
// 同一信箱出現在多個欄位時只保留第一筆 (不分大小寫),
// 一輪投遞不會對同一收件人重複 RCPT TO
func (j *MailJob) AllRecipients() []Address {
	all := make([]Address, 0, len(j.ToAddresses)+len(j.CCAddresses)+len(j.BCCAddresses))
	seen := make(map[string]bool, cap(all))
	for _, group := range [][]Address{j.ToAddresses, j.CCAddresses, j.BCCAddresses} {
		for _, addr := range group {
			key := strings.ToLower(addr.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, addr)
		}
	}
	return all
}

// RecipientsByDomain 依網域分組收件人
// 每個網域的 MX 主機不同, 投遞以網域為單位
func (j *MailJob) RecipientsByDomain() map[string][]Address {
	groups := make(map[string][]Address)
	for _, addr := range j.AllRecipients() {
		domain := addr.Domain()
		if domain == "" {
			continue
		}
		groups[domain] = append(groups[domain], addr)
	}
	return groups
}

// RemoveRecipientDomains 移除指定網域的收件人
// 部分網域投遞成功後重新排隊時使用, 確保同一收件人不會重複收到
func (j *MailJob) RemoveRecipientDomains(domains map[string]bool) {
	filter := func(addrs []Address) []Address {
		kept := addrs[:0]
		for _, a := range addrs {
			if !domains[a.Domain()] {
				kept = append(kept, a)
			}
		}
		return kept
	}
	j.ToAddresses = filter(j.ToAddresses)
	j.CCAddresses = filter(j.CCAddresses)
	j.BCCAddresses = filter(j.BCCAddresses)
}

// AttachmentInfo 附件資訊
type AttachmentInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	StoragePath string `json:"storage_path"`
}

// MailStatusCache KeyDB 快取格式
type MailStatusCache struct {
	MailID       string `json:"mail_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	LastUpdated  string `json:"last_updated"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// MXRecord 單筆 MX 記錄
type MXRecord struct {
	Host     string `json:"host"`
	Priority uint16 `json:"priority"`
}

// MXCacheEntry KeyDB MX 快取格式
// 寫入後不再修改, 過期視同 cache miss
type MXCacheEntry struct {
	Domain     string     `json:"domain"`
	Records    []MXRecord `json:"records"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// FailureRecord 投遞失敗記錄 (Failure Reporter 寫入)
type FailureRecord struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	MailID       string    `json:"mail_id" gorm:"not null;index"`
	QueueName    string    `json:"queue_name" gorm:"not null"`
	AttemptCount int       `json:"attempt_count"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定資料表名稱
func (FailureRecord) TableName() string {
	return "failure_records"
}
