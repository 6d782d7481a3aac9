// internal/services/address_policy.go
// 地址政策 - SMTP gateway 與 relay API 共用的寄件/收件驗證

package services

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"mail-relay/internal/models"
)

var (
	// ErrBadSenderSyntax 寄件地址語法錯誤
	ErrBadSenderSyntax = errors.New("invalid sender address syntax")

	// ErrSenderDomainNotAllowed 寄件網域不在允許清單中
	ErrSenderDomainNotAllowed = errors.New("sender domain not allowed")

	// ErrBadRecipientSyntax 收件地址語法錯誤
	ErrBadRecipientSyntax = errors.New("invalid recipient address syntax")

	// ErrBadRecipientDomain 收件網域無法辨識
	ErrBadRecipientDomain = errors.New("unrecognized recipient domain")
)

// AddressPolicy 地址驗證政策
// 允許清單比對整個網域, evil-example.com 不會匹配 example.com
type AddressPolicy struct {
	allowedDomains []string
}

// NewAddressPolicy 建立地址政策
// 清單項目統一小寫並去除前置 @, 空白清單表示允許全部寄件網域
func NewAddressPolicy(allowedDomains []string) *AddressPolicy {
	normalized := make([]string, 0, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &AddressPolicy{allowedDomains: normalized}
}

// CheckSender 驗證寄件地址語法與網域允許清單
func (p *AddressPolicy) CheckSender(from string) error {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ErrBadSenderSyntax
	}
	if len(p.allowedDomains) == 0 {
		return nil
	}

	domain := models.Address{Address: addr.Address}.Domain()
	for _, allowed := range p.allowedDomains {
		if domain == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSenderDomainNotAllowed, domain)
}

// CheckRecipient 驗證收件地址
// 語法正確且網域含點號即視為可辨識目的地
func (p *AddressPolicy) CheckRecipient(to string) error {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return ErrBadRecipientSyntax
	}
	if !strings.Contains(models.Address{Address: addr.Address}.Domain(), ".") {
		return fmt.Errorf("%w: %s", ErrBadRecipientDomain, to)
	}
	return nil
}
