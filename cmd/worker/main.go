// cmd/worker/main.go
// RabbitMQ Worker 入口

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
	"mail-relay/internal/worker"
)

func main() {
	log.Println("Starting Mail Relay Worker...")

	// 載入設定
	cfg := config.Load()

	// 初始化資料庫
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// 初始化 KeyDB
	keydbService, err := services.NewKeyDBService(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to KeyDB: %v", err)
	}
	defer keydbService.Close()

	// 初始化 RabbitMQ (重試與死信發布用)
	queueService, err := services.NewQueueService(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer queueService.Close()

	// 投遞流程依賴
	resolver := services.NewMXResolverService(cfg, keydbService, nil)
	sender := services.NewSMTPSender(cfg)
	mailStore := services.NewMailStoreService(db)
	reporter := services.NewFailureReporter(db)
	schedule := services.NewRetrySchedule()

	processor := worker.NewProcessor(
		cfg,
		resolver,
		sender,
		queueService,
		keydbService,
		mailStore,
		reporter,
		schedule,
	)

	// 初始化 Consumer
	consumer := worker.NewConsumer(cfg, processor)

	go func() {
		if err := consumer.Start(); err != nil {
			log.Fatalf("Failed to start worker: %v", err)
		}
	}()

	log.Printf("Worker started with concurrency: %d", cfg.WorkerConcurrency)

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	consumer.GracefulShutdown()

	log.Println("Worker stopped")
}

// initDatabase 初始化資料庫連接
func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := logger.Default
	if cfg.Env == "production" {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.Mail{}, &models.Attachment{}, &models.FailureRecord{}); err != nil {
		return nil, err
	}

	// 設定連接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database connected successfully")
	return db, nil
}
