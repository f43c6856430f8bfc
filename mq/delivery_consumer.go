package mq

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"

	"Bt1QRec/config"
	"Bt1QRec/core/refill"
	"Bt1QRec/logger"
	"Bt1QRec/model"
)

// Notifier 在一条推荐真正合并进用户队列后收到通知
// 由 server 包的 WebSocket 推送 hub 实现，可以为 nil
type Notifier interface {
	NotifyDelivered(userID string, beat *model.Beat)
}

// DeliveryConsumer 消费推荐主题并把消息幂等合并进本地状态
// 服务会消费到自己发布的消息，这是多实例间状态收敛的手段，不是 bug；
// offset 守卫保证单实例不会把自己的写入应用两次
type DeliveryConsumer struct {
	consumer fetchCommitter
	storage  *refill.Storage
	cfg      *config.Config
	notifier Notifier
}

// NewDeliveryConsumer 创建推荐消费者
func NewDeliveryConsumer(cfg *config.Config, storage *refill.Storage, notifier Notifier) *DeliveryConsumer {
	return &DeliveryConsumer{
		consumer: newGroupReader(cfg, cfg.RecBeatsTopic, cfg.RecConsumerGroup),
		storage:  storage,
		cfg:      cfg,
		notifier: notifier,
	}
}

// Run 运行消费循环直到 ctx 被取消
// 每条消息的处理都是隔离的：单条失败只影响自己，不会终止循环
func (c *DeliveryConsumer) Run(ctx context.Context) error {
	logger.Info("delivery consumer started", logger.String("topic", c.cfg.RecBeatsTopic))
	defer c.consumer.Close()

	for {
		msg, err := c.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.Info("delivery consumer stopping")
				return nil
			}
			logger.Error("delivery fetch failed, backing off", logger.ErrorField(err))
			if err := sleepWithContext(ctx, c.cfg.KafkaFetchBackoff); err != nil {
				return nil
			}
			continue
		}

		c.processMessage(ctx, msg)
	}
}

// processMessage 处理一条推荐消息
// 格式错误的消息记日志、提交、跳过，毒消息绝不能卡死消费组；
// 正常消息先本地应用再提交，崩溃时最多重复投递，幂等合并兜底
func (c *DeliveryConsumer) processMessage(ctx context.Context, msg kafka.Message) {
	userID := string(msg.Key)
	if userID == "" {
		logger.Warn("recommendation message without user key, skipping",
			logger.Int64("offset", msg.Offset))
		c.commit(ctx, msg)
		return
	}

	var rec model.Recommendation
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		logger.Error("malformed recommendation message, skipping",
			logger.String("userId", userID),
			logger.Int64("offset", msg.Offset),
			logger.ErrorField(err))
		c.commit(ctx, msg)
		return
	}
	if rec.Beat == nil || rec.Beat.ID == "" {
		logger.Error("recommendation message missing beat, skipping",
			logger.String("userId", userID),
			logger.Int64("offset", msg.Offset))
		c.commit(ctx, msg)
		return
	}

	applied := c.storage.ApplyIfNewer(userID, msg.Offset, rec.Beat)
	if applied {
		logger.Debug("recommendation merged",
			logger.String("userId", userID),
			logger.String("beatId", rec.Beat.ID),
			logger.Int64("offset", msg.Offset))
		if c.notifier != nil {
			c.notifier.NotifyDelivered(userID, rec.Beat)
		}
	} else {
		logger.Debug("recommendation already applied, skipping",
			logger.String("userId", userID),
			logger.Int64("offset", msg.Offset))
	}

	// 队列恢复到阈值两倍即认为补充完成
	target := c.cfg.Refill().Threshold * 2
	if c.storage.CompleteRefillIfReplenished(userID, target) {
		logger.Info("refill complete", logger.String("userId", userID))
	}

	c.commit(ctx, msg)
}

// commit 提交 offset，失败只记日志：消息会被重新投递，幂等合并保证无害
func (c *DeliveryConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.consumer.CommitMessages(ctx, msg); err != nil {
		logger.Error("failed to commit delivery offset",
			logger.Int64("offset", msg.Offset),
			logger.ErrorField(err))
	}
}
