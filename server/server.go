package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"Bt1QRec/cache"
	"Bt1QRec/config"
	"Bt1QRec/core/auth"
	"Bt1QRec/core/recommend"
	"Bt1QRec/core/refill"
	"Bt1QRec/db"
	"Bt1QRec/logger"
	"Bt1QRec/mq"
	"Bt1QRec/repository"
	"Bt1QRec/storage"
)

// Start 初始化依赖并启动推荐服务
// 启动顺序：配置 -> 日志 -> 存储连接 -> 目录快照 -> 后台任务 -> 消费者 -> HTTP
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.DefaultConfig())
	defer logger.Sync()

	auth.Init(cfg.JWTSecret)

	// 初始化数据库连接
	if err := db.ConnectDB(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.InitDB(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("Failed to connect GORM: %v", err)
	}
	if err := db.AutoMigrateModels(&repository.BeatRecord{}); err != nil {
		log.Fatalf("Failed to migrate models: %v", err)
	}

	// 初始化Redis连接
	if err := db.ConnectRedis(cfg); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// 初始化MinIO（失败只降级：推荐返回原始对象key）
	if err := storage.InitMinio(cfg); err != nil {
		logger.Warn("MinIO unavailable, beat urls will not be presigned", logger.ErrorField(err))
	}

	// 加载目录快照
	beatRepo := repository.NewGormBeatRepository()
	taxonomyRepo := repository.NewMySQLTaxonomyRepository()

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

	// 推荐引擎与用户状态
	engine := recommend.NewEngine(catalogs, recommend.NewScorer(), cfg.BatchSize, cfg.MinGenres, cfg.MaxGenres)
	store := refill.NewStorage(cfg.MaxQueueSize)

	similarCache := cache.NewSimilarCache(db.RedisClient, cfg.SimilarTTL)
	similar := recommend.NewSimilarService(catalogs, similarCache, cfg.SimilarTopN)

	// 消息总线
	producer := mq.NewProducer(cfg)
	defer producer.Close()

	coordinator := refill.NewCoordinator(store, producer, cfg)
	coordinator.Start(2)
	defer coordinator.Stop()

	janitor := refill.NewJanitor(store, cfg)
	janitor.Start()
	defer janitor.Stop()

	feedHub := NewFeedHub()

	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()

	deliveryConsumer := mq.NewDeliveryConsumer(cfg, store, feedHub)
	go func() {
		if err := deliveryConsumer.Run(consumerCtx); err != nil {
			logger.Error("delivery consumer exited", logger.ErrorField(err))
		}
	}()

	refillConsumer := mq.NewRefillConsumer(cfg, engine, store, producer)
	go func() {
		if err := refillConsumer.Run(consumerCtx); err != nil {
			logger.Error("refill consumer exited", logger.ErrorField(err))
		}
	}()

	// 监听 .env 变化，热更新补充参数
	watchStop := make(chan struct{})
	defer close(watchStop)
	if err := config.WatchEnv(cfg, ".env", watchStop); err != nil {
		logger.Warn("env watcher disabled", logger.ErrorField(err))
	}

	// 路由
	handler := NewRecHandler(engine, store, coordinator, producer, similar, taxonomyRepo, beatRepo, cfg)

	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", handler.HealthHandler).Methods("GET", "OPTIONS")
	r.HandleFunc("/create_rec_first_launch", handler.CreateRecFirstLaunchHandler).Methods("POST", "OPTIONS")
	r.HandleFunc("/create_rec_likes_tracks", handler.CreateRecLikesTracksHandler).Methods("POST", "OPTIONS")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/recommendations", handler.AuthMiddleware(handler.GetRecommendationsHandler)).Methods("GET", "OPTIONS")
	api.HandleFunc("/similar/{beat_id}", handler.AuthMiddleware(handler.GetSimilarBeatsHandler)).Methods("GET", "OPTIONS")
	api.HandleFunc("/beats/{beat_id}", handler.AuthMiddleware(handler.GetBeatDetailHandler)).Methods("GET", "OPTIONS")
	api.HandleFunc("/feed", handler.AuthMiddleware(feedHub.HandleFeed)).Methods("GET")

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("recommendation server listening", logger.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// 优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	stopConsumers()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", logger.ErrorField(err))
	}

	if err := db.CloseRedis(); err != nil {
		logger.Error("failed to close Redis", logger.ErrorField(err))
	}
	if err := db.CloseGormDB(); err != nil {
		logger.Error("failed to close GORM", logger.ErrorField(err))
	}
	logger.Info("server stopped")
}

// corsMiddleware 处理跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
