package refill

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"Bt1QRec/config"
	"Bt1QRec/logger"
	"Bt1QRec/model"
)

// Publisher 发布补充请求到总线
// 由 mq 包的 Kafka 生产者实现
type Publisher interface {
	PublishRefillRequest(ctx context.Context, req model.RefillRequest) error
}

// Coordinator 负责用户队列的补充决策
// 状态机：Idle -> PendingRefill -> Idle，进行中标记存在 Storage 里
// 发布走固定大小的工作池，避免高负载下无限制地起 goroutine
type Coordinator struct {
	storage   *Storage
	publisher Publisher
	cfg       *config.Config

	jobs     chan string
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	publishTimeout time.Duration
}

// NewCoordinator 创建补充协调器
func NewCoordinator(storage *Storage, publisher Publisher, cfg *config.Config) *Coordinator {
	return &Coordinator{
		storage:        storage,
		publisher:      publisher,
		cfg:            cfg,
		jobs:           make(chan string, 256),
		stopChan:       make(chan struct{}),
		publishTimeout: 10 * time.Second,
	}
}

// Start 启动发布工作池
func (c *Coordinator) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	logger.Info("refill coordinator started", logger.Int("workers", workers))
}

// Stop 停止接收新任务并等待在途任务完成
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

// RequestRefill 提交一次补充检查，从不阻塞请求路径
// 队列满时直接丢弃：下一次消费还会再触发检查，不丢语义
func (c *Coordinator) RequestRefill(userID string) {
	select {
	case c.jobs <- userID:
	case <-c.stopChan:
	default:
		logger.Warn("refill dispatch queue full, dropping check", logger.String("userId", userID))
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case userID := <-c.jobs:
			c.issueRefill(userID)
		case <-c.stopChan:
			return
		}
	}
}

// issueRefill 执行检查-标记-发布序列
// 检查和标记在 Storage 锁内一步完成；发布在锁外进行，Kafka 阻塞不会
// 拖住其他用户的状态操作。发布失败回滚标记，下次检查可立即重试。
func (c *Coordinator) issueRefill(userID string) {
	settings := c.cfg.Refill()
	if !c.storage.TryBeginRefill(userID, settings.Threshold, settings.Cooldown) {
		logger.Debug("refill not needed", logger.String("userId", userID))
		return
	}

	req := model.RefillRequest{
		RequestID: uuid.New().String(),
		UserID:    userID,
		Count:     settings.Count,
		Timestamp: time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()

	if err := c.publisher.PublishRefillRequest(ctx, req); err != nil {
		c.storage.RollbackPending(userID)
		logger.Error("failed to publish refill request, rolled back pending marker",
			logger.String("userId", userID),
			logger.String("requestId", req.RequestID),
			logger.ErrorField(err))
		return
	}

	logger.Info("refill request published",
		logger.String("userId", userID),
		logger.String("requestId", req.RequestID),
		logger.Int("count", req.Count))
}
