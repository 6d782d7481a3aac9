// internal/services/smtp_sender_test.go

package services

import (
	"errors"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

func senderConfig() *config.Config {
	return &config.Config{SMTPHeloHostname: "relay.example.com"}
}

func TestBuildMessageHeaders(t *testing.T) {
	sender := NewSMTPSender(senderConfig())

	job := &models.MailJob{
		MailID:      "mail-1",
		FromAddress: "sender@example.com",
		ToAddresses: []models.Address{{Name: "Alice", Address: "alice@example.org"}},
		CCAddresses: []models.Address{{Address: "carol@example.net"}},
		BCCAddresses: []models.Address{
			{Address: "hidden@example.net"},
		},
		Subject: "quarterly report",
		Body:    "see summary below",
		HTML:    "<p>see summary below</p>",
	}

	msg, err := sender.BuildMessage(job)
	require.NoError(t, err)

	content := string(msg)
	assert.Contains(t, content, "Subject: quarterly report")
	assert.Contains(t, content, "sender@example.com")
	assert.Contains(t, content, "alice@example.org")
	assert.Contains(t, content, "carol@example.net")
	assert.Contains(t, content, "Message-Id: <mail-1@relay.example.com>")

	// BCC 只進信封, 不得出現在標頭或內容中
	assert.NotContains(t, content, "hidden@example.net")
}

func TestBuildMessageWithAttachment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 fake"), 0644))

	sender := NewSMTPSender(senderConfig())
	job := &models.MailJob{
		MailID:      "mail-2",
		FromAddress: "sender@example.com",
		ToAddresses: []models.Address{{Address: "alice@example.org"}},
		Subject:     "report",
		Body:        "attached",
		Attachments: []models.AttachmentInfo{
			{Filename: "report.pdf", ContentType: "application/pdf", StoragePath: path},
		},
	}

	msg, err := sender.BuildMessage(job)
	require.NoError(t, err)
	assert.Contains(t, string(msg), "report.pdf")
}

func TestBuildMessageMissingAttachmentFails(t *testing.T) {
	sender := NewSMTPSender(senderConfig())
	job := &models.MailJob{
		MailID:      "mail-3",
		FromAddress: "sender@example.com",
		ToAddresses: []models.Address{{Address: "alice@example.org"}},
		Subject:     "report",
		Attachments: []models.AttachmentInfo{
			{Filename: "gone.pdf", StoragePath: "/nonexistent/gone.pdf"},
		},
	}

	_, err := sender.BuildMessage(job)
	assert.Error(t, err)
}

func TestClassifyReply(t *testing.T) {
	err := classifyReply(&textproto.Error{Code: 550, Msg: "user unknown"})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, 550, remoteErr.Code)
	assert.True(t, remoteErr.Permanent())
	assert.True(t, IsPermanentDeliveryError(err))

	err = classifyReply(&textproto.Error{Code: 451, Msg: "try again later"})
	require.ErrorAs(t, err, &remoteErr)
	assert.False(t, remoteErr.Permanent())
	assert.False(t, IsPermanentDeliveryError(err))

	// 非協定錯誤原樣回傳
	ioErr := errors.New("connection reset")
	assert.Equal(t, ioErr, classifyReply(ioErr))
}

func TestRemoteMessageID(t *testing.T) {
	assert.Equal(t, "2.0.0 OK queued as ABC123", remoteMessageID("2.0.0 OK queued as ABC123"))
	assert.Equal(t, "accepted", remoteMessageID("   "))
}
