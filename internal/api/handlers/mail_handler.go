// internal/api/handlers/mail_handler.go
// 郵件 API Handler

package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// MailHandler 郵件 Handler
type MailHandler struct {
	cfg          *config.Config
	db           *gorm.DB
	queueService *services.QueueService
	keydbService *services.KeyDBService
	policy       *services.AddressPolicy
}

// NewMailHandler 建立 Mail Handler
func NewMailHandler(cfg *config.Config, db *gorm.DB, queueService *services.QueueService, keydbService *services.KeyDBService) *MailHandler {
	return &MailHandler{
		cfg:          cfg,
		db:           db,
		queueService: queueService,
		keydbService: keydbService,
		policy:       services.NewAddressPolicy(cfg.SMTPAllowedDomains),
	}
}

// SendRequest 發送郵件請求
type SendRequest struct {
	From        string              `json:"from" binding:"required,email"`
	To          []string            `json:"to" binding:"required,min=1,dive,email"`
	CC          []string            `json:"cc,omitempty" binding:"omitempty,dive,email"`
	BCC         []string            `json:"bcc,omitempty" binding:"omitempty,dive,email"`
	Subject     string              `json:"subject" binding:"required"`
	Body        string              `json:"body,omitempty"`
	HTML        string              `json:"html,omitempty"`
	Attachments []AttachmentRequest `json:"attachments,omitempty"`
}

// AttachmentRequest 附件請求 (內容為 base64)
type AttachmentRequest struct {
	Filename    string `json:"filename" binding:"required"`
	Content     string `json:"content" binding:"required"`
	ContentType string `json:"content_type"`
}

// Send 發送單封郵件
func (h *MailHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	// 純文字與 HTML 至少擇一
	if req.Body == "" && req.HTML == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "either body or html is required",
		})
		return
	}

	// 寄件網域與收件地址遵循與 SMTP gateway 相同的政策
	if err := h.policy.CheckSender(req.From); err != nil {
		if errors.Is(err, services.ErrSenderDomainNotAllowed) {
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "sender_not_allowed",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	for _, group := range [][]string{req.To, req.CC, req.BCC} {
		for _, rcpt := range group {
			if err := h.policy.CheckRecipient(rcpt); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"success": false,
					"error":   "invalid_recipient",
					"message": err.Error(),
				})
				return
			}
		}
	}

	clientID, _ := c.Get("client_id")
	clientName, _ := c.Get("client_name")

	mail := models.Mail{
		ID:           uuid.New(),
		FromAddress:  req.From,
		ToAddresses:  pq.StringArray(req.To),
		CCAddresses:  pq.StringArray(req.CC),
		BCCAddresses: pq.StringArray(req.BCC),
		Subject:      req.Subject,
		Body:         req.Body,
		HTML:         req.HTML,
		Status:       models.MailStatusQueued,
		ClientID:     clientID.(string),
		ClientName:   clientName.(string),
	}

	// 處理附件
	var attachments []models.AttachmentInfo
	for _, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "invalid_attachment",
				"message": fmt.Sprintf("Invalid base64 content for %s", att.Filename),
			})
			return
		}

		sizeMB := float64(len(content)) / 1024 / 1024
		if sizeMB > float64(h.cfg.MaxAttachmentSizeMB) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "attachment_too_large",
				"message": fmt.Sprintf("%s exceeds maximum size of %dMB", att.Filename, h.cfg.MaxAttachmentSizeMB),
			})
			return
		}

		storagePath := filepath.Join(
			h.cfg.AttachmentPath,
			time.Now().Format("2006/01/02"),
			mail.ID.String(),
			filepath.Base(att.Filename),
		)

		if err := os.MkdirAll(filepath.Dir(storagePath), 0755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "storage_error",
				"message": "Failed to create attachment directory",
			})
			return
		}

		if err := os.WriteFile(storagePath, content, 0644); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "storage_error",
				"message": "Failed to save attachment",
			})
			return
		}

		mail.Attachments = append(mail.Attachments, models.Attachment{
			ID:          uuid.New(),
			MailID:      mail.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			SizeBytes:   int64(len(content)),
			StoragePath: storagePath,
		})

		attachments = append(attachments, models.AttachmentInfo{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			SizeBytes:   int64(len(content)),
			StoragePath: storagePath,
		})
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&mail).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "database_error",
			"message": "Failed to create mail record",
		})
		return
	}

	job := models.MailJob{
		MailID:       mail.ID.String(),
		FromAddress:  mail.FromAddress,
		ToAddresses:  toAddressList(req.To),
		CCAddresses:  toAddressList(req.CC),
		BCCAddresses: toAddressList(req.BCC),
		Subject:      mail.Subject,
		Body:         mail.Body,
		HTML:         mail.HTML,
		Attachments:  attachments,
		AttemptCount: 0,
	}

	if err := h.queueService.PublishMail(c.Request.Context(), &job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "queue_error",
			"message": "Failed to queue mail",
		})
		return
	}

	h.keydbService.SetStatus(c.Request.Context(), mail.ID.String(), string(models.MailStatusQueued), 0, "")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mail_id": mail.ID.String(),
		"status":  "queued",
		"message": "郵件已加入發送隊列",
	})
}

// GetStatus 查詢郵件狀態
// KeyDB 快取優先, 未命中時查資料庫
func (h *MailHandler) GetStatus(c *gin.Context) {
	mailID := c.Param("id")

	status, err := h.keydbService.GetStatus(c.Request.Context(), mailID)
	if err == nil && status != nil {
		c.JSON(http.StatusOK, status)
		return
	}

	var mail models.Mail
	if err := h.db.WithContext(c.Request.Context()).Where("id = ?", mailID).First(&mail).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "Mail not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mail_id":       mail.ID.String(),
		"status":        mail.Status,
		"attempt_count": mail.AttemptCount,
		"created_at":    mail.CreatedAt,
		"sent_at":       mail.SentAt,
		"error_message": mail.ErrorMessage,
	})
}

// GetHistory 查詢郵件歷史
func (h *MailHandler) GetHistory(c *gin.Context) {
	clientID, _ := c.Get("client_id")

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	var total int64
	var mails []models.Mail

	query := h.db.WithContext(c.Request.Context()).Model(&models.Mail{}).Where("client_id = ?", clientID)

	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	query.Count(&total)
	query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&mails)

	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"page":  page,
		"limit": limit,
		"data":  mails,
	})
}

// Cancel 取消郵件
// 僅 queued 狀態可取消; worker 取出工作時會再次確認
func (h *MailHandler) Cancel(c *gin.Context) {
	mailID := c.Param("id")
	clientID, _ := c.Get("client_id")

	var mail models.Mail
	if err := h.db.WithContext(c.Request.Context()).Where("id = ? AND client_id = ?", mailID, clientID).First(&mail).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "Mail not found",
		})
		return
	}

	if mail.Status != models.MailStatusQueued {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "cannot_cancel",
			"message": "Only queued mails can be cancelled",
		})
		return
	}

	h.db.WithContext(c.Request.Context()).Model(&mail).Update("status", models.MailStatusCancelled)
	h.keydbService.SetStatus(c.Request.Context(), mailID, string(models.MailStatusCancelled), mail.AttemptCount, "")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mail_id": mailID,
		"status":  "cancelled",
		"message": "郵件已取消",
	})
}

// toAddressList 轉換地址字串列表
func toAddressList(addrs []string) []models.Address {
	result := make([]models.Address, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, models.Address{Address: a})
	}
	return result
}
