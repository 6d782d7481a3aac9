// internal/smtp/server.go
// SMTP Server 核心 - 啟動與管理 SMTP 閘道

package smtp

import (
	"fmt"
	"log"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"mail-relay/internal/config"
)

// Server SMTP 閘道伺服器
type Server struct {
	cfg        *config.Config
	backend    *Backend
	smtpServer *gosmtp.Server
}

// NewServer 建立 SMTP 伺服器
func NewServer(cfg *config.Config, store MailStore, queue JobQueue, status StatusStore, limiter ConnectionLimiter) *Server {
	return &Server{
		cfg:     cfg,
		backend: NewBackend(cfg, store, queue, status, limiter),
	}
}

// Start 啟動 SMTP 伺服器 (阻塞式)
func (s *Server) Start() error {
	s.smtpServer = gosmtp.NewServer(s.backend)
	s.smtpServer.Addr = fmt.Sprintf(":%s", s.cfg.SMTPInboundPort)
	s.smtpServer.Domain = s.cfg.SMTPBannerDomain
	s.smtpServer.ReadTimeout = 30 * time.Second
	s.smtpServer.WriteTimeout = 30 * time.Second
	s.smtpServer.MaxMessageBytes = int64(s.cfg.SMTPMaxMessageSize) * 1024 * 1024
	s.smtpServer.MaxRecipients = s.cfg.SMTPMaxRecipients

	log.Printf("[SMTP] 伺服器啟動中... 監聽埠號: %s", s.cfg.SMTPInboundPort)
	log.Printf("[SMTP] 最大訊息大小: %d MB", s.cfg.SMTPMaxMessageSize)

	if len(s.cfg.SMTPAllowedDomains) > 0 {
		log.Printf("[SMTP] 允許的寄件網域: %v", s.cfg.SMTPAllowedDomains)
	} else {
		log.Printf("[SMTP] 允許所有寄件網域")
	}

	if err := s.smtpServer.ListenAndServe(); err != nil {
		return fmt.Errorf("SMTP server error: %w", err)
	}

	return nil
}

// Shutdown 優雅關機
func (s *Server) Shutdown() error {
	if s.smtpServer != nil {
		log.Println("[SMTP] 正在關閉伺服器...")
		return s.smtpServer.Close()
	}
	return nil
}
