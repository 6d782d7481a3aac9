// internal/smtp/backend.go
// SMTP Backend 介面實作 - 處理連線限流與 Session 建立

package smtp

import (
	"context"
	"log"
	"net"

	gosmtp "github.com/emersion/go-smtp"

	"mail-relay/internal/config"
)

// Backend 實作 smtp.Backend 介面
// 負責在連線建立時套用限流並建立 Session
type Backend struct {
	cfg     *config.Config
	store   MailStore
	queue   JobQueue
	status  StatusStore
	limiter ConnectionLimiter
}

// NewBackend 建立 SMTP Backend
func NewBackend(cfg *config.Config, store MailStore, queue JobQueue, status StatusStore, limiter ConnectionLimiter) *Backend {
	return &Backend{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		status:  status,
		limiter: limiter,
	}
}

// NewSession 建立新的 SMTP Session
// 連線限流在此套用, 超額連線直接以 421 拒絕
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remoteAddr := remoteHost(c)
	log.Printf("[SMTP] 新連線來自: %s", remoteAddr)

	machine := NewStateMachine(b.cfg, b.store, b.queue, b.status, b.limiter)
	if err := machine.Connect(context.Background(), remoteAddr); err != nil {
		log.Printf("[SMTP] 連線被拒絕 (%s): %v", remoteAddr, err)
		return nil, toSMTPError(err)
	}

	return NewSession(machine), nil
}

// remoteHost 取出連線來源 IP (限流以 IP 為單位, 不含埠號)
func remoteHost(c *gosmtp.Conn) string {
	addr := c.Conn().RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
