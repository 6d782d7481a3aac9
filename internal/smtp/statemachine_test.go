// internal/smtp/statemachine_test.go

package smtp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// fakeMailStore 記錄寫入的郵件
type fakeMailStore struct {
	mails []*models.Mail
	err   error
}

func (f *fakeMailStore) CreateMail(ctx context.Context, mail *models.Mail) error {
	if f.err != nil {
		return f.err
	}
	f.mails = append(f.mails, mail)
	return nil
}

// fakeJobQueue 記錄發布的工作
type fakeJobQueue struct {
	jobs []*models.MailJob
	err  error
}

func (f *fakeJobQueue) PublishMail(ctx context.Context, job *models.MailJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// fakeStatusStore 記錄狀態更新
type fakeStatusStore struct {
	statuses map[string]string
}

func (f *fakeStatusStore) SetStatus(ctx context.Context, mailID, status string, attemptCount int, errorMsg string) error {
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[mailID] = status
	return nil
}

// fakeLimiter 可控的限流結果
type fakeLimiter struct {
	allowed bool
	resetIn time.Duration
	err     error
}

func (f *fakeLimiter) Check(ctx context.Context, scope, key string) (*services.RateLimitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.RateLimitResult{Allowed: f.allowed, ResetIn: f.resetIn}, nil
}

func gatewayConfig(t *testing.T) *config.Config {
	return &config.Config{
		AttachmentPath:      t.TempDir(),
		MaxAttachmentSizeMB: 25,
		SMTPMaxMessageSize:  25,
		SMTPMaxRecipients:   50,
	}
}

func newTestMachine(t *testing.T) (*StateMachine, *fakeMailStore, *fakeJobQueue, *fakeStatusStore) {
	store := &fakeMailStore{}
	queue := &fakeJobQueue{}
	status := &fakeStatusStore{}
	limiter := &fakeLimiter{allowed: true}
	machine := NewStateMachine(gatewayConfig(t), store, queue, status, limiter)
	return machine, store, queue, status
}

func testMessage() string {
	return "From: sender@example.com\r\n" +
		"To: alice@example.org\r\n" +
		"Subject: hello\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello world\r\n"
}

func TestConnectAllowed(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	err := machine.Connect(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, machine.State())
}

func TestConnectRateLimited(t *testing.T) {
	machine := NewStateMachine(gatewayConfig(t), &fakeMailStore{}, &fakeJobQueue{}, &fakeStatusStore{},
		&fakeLimiter{allowed: false, resetIn: 12 * time.Second})

	err := machine.Connect(context.Background(), "203.0.113.7")
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 421, gwErr.Code)
	assert.True(t, gwErr.Temporary())
	assert.Contains(t, gwErr.Message, "retry in")
}

func TestConnectLimiterErrorFailsClosed(t *testing.T) {
	machine := NewStateMachine(gatewayConfig(t), &fakeMailStore{}, &fakeJobQueue{}, &fakeStatusStore{},
		&fakeLimiter{err: errors.New("connection refused")})

	err := machine.Connect(context.Background(), "203.0.113.7")
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 421, gwErr.Code)
}

func TestMailFromInvalidSyntax(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	err := machine.MailFrom(context.Background(), "not an address")
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 501, gwErr.Code)
	assert.Equal(t, StateConnected, machine.State())
}

func TestMailFromDomainNotAllowed(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.SMTPAllowedDomains = []string{"example.com"}
	machine := NewStateMachine(cfg, &fakeMailStore{}, &fakeJobQueue{}, &fakeStatusStore{}, &fakeLimiter{allowed: true})

	err := machine.MailFrom(context.Background(), "intruder@other.org")
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 550, gwErr.Code)
}

func TestMailFromRejectsLookalikeDomain(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.SMTPAllowedDomains = []string{"example.com"}
	machine := NewStateMachine(cfg, &fakeMailStore{}, &fakeJobQueue{}, &fakeStatusStore{}, &fakeLimiter{allowed: true})

	// 允許清單比對整個網域, 尾綴相同不可放行
	err := machine.MailFrom(context.Background(), "attacker@evilexample.com")
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 550, gwErr.Code)

	require.NoError(t, machine.MailFrom(context.Background(), "sender@example.com"))
	assert.Equal(t, StateMail, machine.State())
}

func TestRcptBeforeMailRejected(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	err := machine.RcptTo(context.Background(), "alice@example.org")
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 503, gwErr.Code)
}

func TestRcptInvalidDoesNotAbortTransaction(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.MailFrom(ctx, "sender@example.com"))

	// 無效收件人被個別拒絕
	err := machine.RcptTo(ctx, "no-domain")
	require.Error(t, err)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 550, gwErr.Code)

	// 網域不含點號不視為可辨識目的地
	err = machine.RcptTo(ctx, "bob@localhost")
	require.Error(t, err)

	// 後續的合法收件人仍可接受
	require.NoError(t, machine.RcptTo(ctx, "alice@example.org"))
	assert.Equal(t, StateRcpt, machine.State())
}

func TestRcptTooManyRecipients(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.SMTPMaxRecipients = 2
	machine := NewStateMachine(cfg, &fakeMailStore{}, &fakeJobQueue{}, &fakeStatusStore{}, &fakeLimiter{allowed: true})
	ctx := context.Background()

	require.NoError(t, machine.MailFrom(ctx, "sender@example.com"))
	require.NoError(t, machine.RcptTo(ctx, "a@example.org"))
	require.NoError(t, machine.RcptTo(ctx, "b@example.org"))

	err := machine.RcptTo(ctx, "c@example.org")
	require.Error(t, err)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 452, gwErr.Code)
}

func TestDataWithoutRecipientsRejected(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.MailFrom(ctx, "sender@example.com"))

	_, err := machine.Data(ctx, strings.NewReader(testMessage()))
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 554, gwErr.Code)
}

func TestDataSuccessQueuesJob(t *testing.T) {
	machine, store, queue, status := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.MailFrom(ctx, "sender@example.com"))
	require.NoError(t, machine.RcptTo(ctx, "alice@example.org"))

	mailID, err := machine.Data(ctx, strings.NewReader(testMessage()))
	require.NoError(t, err)
	require.NotEmpty(t, mailID)
	assert.Equal(t, StateDone, machine.State())

	require.Len(t, store.mails, 1)
	assert.Equal(t, "sender@example.com", store.mails[0].FromAddress)
	assert.Equal(t, "hello", store.mails[0].Subject)

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, mailID, queue.jobs[0].MailID)
	assert.Equal(t, 0, queue.jobs[0].AttemptCount)
	require.Len(t, queue.jobs[0].ToAddresses, 1)
	assert.Equal(t, "alice@example.org", queue.jobs[0].ToAddresses[0].Address)

	assert.Equal(t, string(models.MailStatusQueued), status.statuses[mailID])
}

func TestDataMessageTooLarge(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.SMTPMaxMessageSize = 0 // 上限為 0 MB, 任何內容都超過
	machine := NewStateMachine(cfg, &fakeMailStore{}, &fakeJobQueue{}, &fakeStatusStore{}, &fakeLimiter{allowed: true})
	ctx := context.Background()

	require.NoError(t, machine.MailFrom(ctx, "sender@example.com"))
	require.NoError(t, machine.RcptTo(ctx, "alice@example.org"))

	_, err := machine.Data(ctx, strings.NewReader(testMessage()))
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 552, gwErr.Code)
}

func TestDataStoreFailureIsTemporary(t *testing.T) {
	store := &fakeMailStore{err: errors.New("db down")}
	machine := NewStateMachine(gatewayConfig(t), store, &fakeJobQueue{}, &fakeStatusStore{}, &fakeLimiter{allowed: true})
	ctx := context.Background()

	require.NoError(t, machine.MailFrom(ctx, "sender@example.com"))
	require.NoError(t, machine.RcptTo(ctx, "alice@example.org"))

	_, err := machine.Data(ctx, strings.NewReader(testMessage()))
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 451, gwErr.Code)
	assert.True(t, gwErr.Temporary())
}

func TestResetClearsEnvelope(t *testing.T) {
	machine, _, queue, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.MailFrom(ctx, "sender@example.com"))
	require.NoError(t, machine.RcptTo(ctx, "alice@example.org"))

	machine.Reset()
	assert.Equal(t, StateConnected, machine.State())

	// 重置後必須重新開始交易
	_, err := machine.Data(ctx, strings.NewReader(testMessage()))
	require.Error(t, err)
	assert.Empty(t, queue.jobs)

	// 同一連線可開始新交易
	require.NoError(t, machine.MailFrom(ctx, "other@example.com"))
	require.NoError(t, machine.RcptTo(ctx, "bob@example.org"))
}
