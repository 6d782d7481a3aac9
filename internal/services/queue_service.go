// internal/services/queue_service.go
// RabbitMQ 隊列服務
// 主隊列 + 分層重試隊列 + 死信隊列
// 重試隊列依延遲表分層, 每層一個固定 TTL 隊列, 過期後經 DLX 回到主隊列;
// RabbitMQ 只檢查隊頭訊息的過期時間, 單一隊列混用不同 TTL 會讓
// 短延遲訊息被前面的長延遲訊息擋住

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

const (
	deadLetterExchange  = "dlx"
	deadLetterRouteKey  = "dead-letter"
	retryReturnExchange = "retry-return"
)

// QueueService RabbitMQ 隊列服務
type QueueService struct {
	cfg     *config.Config
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
}

// NewQueueService 建立隊列服務
func NewQueueService(cfg *config.Config) (*QueueService, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	svc := &QueueService{
		cfg:     cfg,
		conn:    conn,
		channel: channel,
	}

	// 宣告隊列
	if err := svc.declareQueues(); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return svc, nil
}

// declareQueues 宣告所有隊列
func (s *QueueService) declareQueues() error {
	// 宣告死信交換器
	if err := s.channel.ExchangeDeclare(
		deadLetterExchange, // name
		"direct",           // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("failed to declare DLX: %w", err)
	}

	// 宣告重試轉回交換器 (重試隊列過期訊息經此回到主隊列)
	if err := s.channel.ExchangeDeclare(
		retryReturnExchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare retry return exchange: %w", err)
	}

	// 宣告主郵件隊列
	_, err := s.channel.QueueDeclare(
		s.cfg.MailQueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    deadLetterExchange,
			"x-dead-letter-routing-key": deadLetterRouteKey,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare mail queue: %w", err)
	}

	// 綁定主隊列到重試轉回交換器
	if err := s.channel.QueueBind(
		s.cfg.MailQueueName,
		s.cfg.MailQueueName,
		retryReturnExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind mail queue: %w", err)
	}

	// 宣告分層重試隊列
	// 沒有 consumer; 每層隊列帶固定 TTL, 過期後經 retry-return 回到主隊列
	for _, tier := range defaultRetryDelays {
		_, err = s.channel.QueueDeclare(
			retryTierQueue(s.cfg.RetryQueueName, tier),
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-message-ttl":             tier.Milliseconds(),
				"x-dead-letter-exchange":    retryReturnExchange,
				"x-dead-letter-routing-key": s.cfg.MailQueueName,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare retry queue %s: %w", retryTierQueue(s.cfg.RetryQueueName, tier), err)
		}
	}

	// 宣告死信隊列
	_, err = s.channel.QueueDeclare(
		s.cfg.DeadLetterQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}

	// 綁定死信隊列到 DLX
	if err := s.channel.QueueBind(
		s.cfg.DeadLetterQueueName,
		deadLetterRouteKey,
		deadLetterExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}

	log.Println("RabbitMQ queues declared successfully")
	return nil
}

// PublishMail 發布郵件到主隊列
func (s *QueueService) PublishMail(ctx context.Context, job *models.MailJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.channel.PublishWithContext(
		ctx,
		"",                  // exchange
		s.cfg.MailQueueName, // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
}

// PublishRetry 發布到 delay 所屬層級的重試隊列
// 該層 TTL 過後訊息回到主隊列重新投遞
func (s *QueueService) PublishRetry(ctx context.Context, job *models.MailJob, delay time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.channel.PublishWithContext(
		ctx,
		"",
		retryTierQueue(s.cfg.RetryQueueName, retryTierFor(delay)),
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Headers: amqp.Table{
				"x-attempt-count": job.AttemptCount,
			},
		},
	)
}

// retryTierFor 選擇不小於 delay 的最小重試層級, 超出表上限時取最後一層
func retryTierFor(delay time.Duration) time.Duration {
	for _, tier := range defaultRetryDelays {
		if tier >= delay {
			return tier
		}
	}
	return defaultRetryDelays[len(defaultRetryDelays)-1]
}

// retryTierQueue 層級隊列名稱, 如 retry-queue-10s / retry-queue-1h
func retryTierQueue(prefix string, tier time.Duration) string {
	return prefix + "-" + tierLabel(tier)
}

// tierLabel 層級延遲的簡短標籤
func tierLabel(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// PublishDeadLetter 發布到死信隊列
func (s *QueueService) PublishDeadLetter(ctx context.Context, job *models.MailJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.channel.PublishWithContext(
		ctx,
		deadLetterExchange,
		deadLetterRouteKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
}

// Close 關閉連接
func (s *QueueService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
