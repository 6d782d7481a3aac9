// internal/worker/consumer.go
// RabbitMQ Worker Consumer

package worker

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// Consumer RabbitMQ Consumer
// 從主隊列取出投遞工作, 交給 Processor 處理
type Consumer struct {
	cfg       *config.Config
	processor *Processor
	conn      *amqp.Connection
	channel   *amqp.Channel

	isShutdown bool // mu 保護
	activeJobs int  // mu 保護
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// NewConsumer 建立 Consumer
func NewConsumer(cfg *config.Config, processor *Processor) *Consumer {
	return &Consumer{
		cfg:       cfg,
		processor: processor,
	}
}

// Start 啟動 Consumer
func (c *Consumer) Start() error {
	var err error

	c.conn, err = amqp.Dial(c.cfg.RabbitMQURL)
	if err != nil {
		return err
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		return err
	}

	// 宣告參數必須與發布端一致, 否則 redeclare 會失敗
	_, err = c.channel.QueueDeclare(
		c.cfg.MailQueueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "dlx",
			"x-dead-letter-routing-key": "dead-letter",
		},
	)
	if err != nil {
		return err
	}

	// 設定 prefetch
	err = c.channel.Qos(c.cfg.WorkerPrefetch, 0, false)
	if err != nil {
		return err
	}

	msgs, err := c.channel.Consume(
		c.cfg.MailQueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	log.Printf("[Worker] 啟動完成, 消費隊列: %s (concurrency: %d)", c.cfg.MailQueueName, c.cfg.WorkerConcurrency)

	for i := 0; i < c.cfg.WorkerConcurrency; i++ {
		c.wg.Add(1)
		go c.processMessages(msgs)
	}

	return nil
}

// processMessages 處理訊息
func (c *Consumer) processMessages(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for msg := range msgs {
		if c.shuttingDown() {
			msg.Nack(false, true) // 重新排隊
			continue
		}

		c.handleMessage(msg)
	}
}

// shuttingDown 回報是否已進入關機流程
func (c *Consumer) shuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isShutdown
}

// handleMessage 處理單一訊息
func (c *Consumer) handleMessage(msg amqp.Delivery) {
	c.mu.Lock()
	c.activeJobs++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.activeJobs--
		c.mu.Unlock()
	}()

	ctx := context.Background()

	var job models.MailJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		log.Printf("[Worker] 解析訊息失敗: %v", err)
		msg.Nack(false, false) // 格式錯誤直接進死信
		return
	}

	if err := c.processor.Process(ctx, &job); err != nil {
		// 工作未被消化 (鎖取得失敗、重試排程失敗等), 重新排隊
		log.Printf("[Worker] 處理郵件失敗 %s: %v", job.MailID, err)
		msg.Nack(false, true)
		return
	}

	msg.Ack(false)
}

// GracefulShutdown 優雅關機
// 等待進行中的工作完成後才關閉連線
func (c *Consumer) GracefulShutdown() {
	log.Println("[Worker] 開始優雅關機...")
	c.mu.Lock()
	c.isShutdown = true
	c.mu.Unlock()

	// 停止接收新訊息
	if c.channel != nil {
		c.channel.Cancel("", false)
	}

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			log.Println("[Worker] 關機逾時, 強制關閉")
			goto cleanup
		case <-ticker.C:
			c.mu.Lock()
			active := c.activeJobs
			c.mu.Unlock()
			if active == 0 {
				goto cleanup
			}
		}
	}

cleanup:
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	log.Println("[Worker] 關機完成")
}
