package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Bt1QRec/config"
	"Bt1QRec/core/recommend"
	"Bt1QRec/core/refill"
	"Bt1QRec/db"
	"Bt1QRec/logger"
	"Bt1QRec/mq"
	"Bt1QRec/repository"

	"github.com/spf13/cobra"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "只启动消息总线消费者",
	Long:  `以独立进程运行推荐和补充消费者，不提供HTTP服务，用于水平扩展总线处理能力。`,
	Run: func(cmd *cobra.Command, args []string) {
		runConsumers()
	},
}

func init() {
	rootCmd.AddCommand(consumerCmd)
}

func runConsumers() {
	cfg := config.Load()

	logger.InitLogger(logger.DefaultConfig())
	defer logger.Sync()

	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("Failed to connect GORM: %v", err)
	}

	beatRepo := repository.NewGormBeatRepository()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	beats, err := beatRepo.FetchAll(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to load beat catalog: %v", err)
	}
	logger.Info("beat catalog loaded", logger.Int("beats", len(beats)))

	catalogs := recommend.NewCatalogHolder(recommend.NewCatalog(beats))
	refresher := recommend.NewCatalogRefresher(catalogs, beatRepo, cfg.CatalogRefresh)
	refresher.Start()
	defer refresher.Stop()

	engine := recommend.NewEngine(catalogs, recommend.NewScorer(), cfg.BatchSize, cfg.MinGenres, cfg.MaxGenres)
	store := refill.NewStorage(cfg.MaxQueueSize)

	producer := mq.NewProducer(cfg)
	defer producer.Close()

	janitor := refill.NewJanitor(store, cfg)
	janitor.Start()
	defer janitor.Stop()

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 纯消费进程没有WebSocket推送
	deliveryConsumer := mq.NewDeliveryConsumer(cfg, store, nil)
	go func() {
		if err := deliveryConsumer.Run(runCtx); err != nil {
			logger.Error("delivery consumer exited", logger.ErrorField(err))
		}
	}()

	refillConsumer := mq.NewRefillConsumer(cfg, engine, store, producer)
	go func() {
		if err := refillConsumer.Run(runCtx); err != nil {
			logger.Error("refill consumer exited", logger.ErrorField(err))
		}
	}()

	logger.Info("consumer process started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("consumer process stopping")
	stop()

	if err := db.CloseGormDB(); err != nil {
		logger.Error("failed to close GORM", logger.ErrorField(err))
	}
}
