package mq

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"

	"Bt1QRec/config"
	"Bt1QRec/core/recommend"
	"Bt1QRec/core/refill"
	"Bt1QRec/logger"
	"Bt1QRec/model"
)

// recommender 是 RefillConsumer 需要的引擎能力子集
type recommender interface {
	ByLikes(likedIDs []string, count int) ([]model.ScoredBeat, error)
	ByGenres(genreIDs []string) ([]model.ScoredBeat, error)
	BeatByID(id string) (*model.Beat, bool)
}

// recPublisher 发布推荐消息
type recPublisher interface {
	PublishRecommendation(ctx context.Context, userID string, beat *model.Beat) error
}

// RefillConsumer 消费补充请求：重新生成推荐并逐条发回推荐主题
// 完成判定不靠请求/响应配对，而是 DeliveryConsumer 观察队列长度
type RefillConsumer struct {
	consumer  fetchCommitter
	engine    recommender
	storage   *refill.Storage
	publisher recPublisher
	cfg       *config.Config
}

// NewRefillConsumer 创建补充消费者
func NewRefillConsumer(cfg *config.Config, engine *recommend.Engine, storage *refill.Storage, publisher *Producer) *RefillConsumer {
	return &RefillConsumer{
		consumer:  newGroupReader(cfg, cfg.RefillTopic, cfg.RefillGroup),
		engine:    engine,
		storage:   storage,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Run 运行消费循环直到 ctx 被取消
func (c *RefillConsumer) Run(ctx context.Context) error {
	logger.Info("refill consumer started", logger.String("topic", c.cfg.RefillTopic))
	defer c.consumer.Close()

	for {
		msg, err := c.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.Info("refill consumer stopping")
				return nil
			}
			logger.Error("refill fetch failed, backing off", logger.ErrorField(err))
			if err := sleepWithContext(ctx, c.cfg.KafkaFetchBackoff); err != nil {
				return nil
			}
			continue
		}

		c.processRequest(ctx, msg)
	}
}

// processRequest 处理一条补充请求
// 整批发布成功后才提交：中途失败不提交，重投后整批重发，
// 下游靠 offset 守卫和队列去重消化重复
func (c *RefillConsumer) processRequest(ctx context.Context, msg kafka.Message) {
	var req model.RefillRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logger.Error("malformed refill request, skipping",
			logger.Int64("offset", msg.Offset),
			logger.ErrorField(err))
		c.commit(ctx, msg)
		return
	}
	if req.UserID == "" {
		logger.Warn("refill request missing user_id, skipping",
			logger.Int64("offset", msg.Offset))
		c.commit(ctx, msg)
		return
	}

	count := req.Count
	if count <= 0 {
		count = c.cfg.Refill().Count
	}

	logger.Info("processing refill request",
		logger.String("userId", req.UserID),
		logger.String("requestId", req.RequestID),
		logger.Int("count", count))

	recs, err := c.generate(req.UserID, count)
	if err != nil {
		// 生成失败基本是确定性的（比如存的风格数量不合法），重试没有意义
		logger.Error("refill generation failed, skipping request",
			logger.String("userId", req.UserID),
			logger.ErrorField(err))
		c.commit(ctx, msg)
		return
	}

	if len(recs) > count {
		recs = recs[:count]
	}

	published := 0
	for _, rec := range recs {
		beat, ok := c.engine.BeatByID(rec.ID)
		if !ok {
			// 目录和生成结果之间可能漂移（快照刚刷新过），跳过即可
			logger.Warn("beat missing from catalog, skipping",
				logger.String("userId", req.UserID),
				logger.String("beatId", rec.ID))
			continue
		}
		if err := c.publisher.PublishRecommendation(ctx, req.UserID, beat); err != nil {
			logger.Error("failed to publish refill recommendation, will redeliver request",
				logger.String("userId", req.UserID),
				logger.String("beatId", beat.ID),
				logger.ErrorField(err))
			return // 不提交，等待重新投递
		}
		published++
	}

	c.commit(ctx, msg)
	logger.Info("refill completed",
		logger.String("userId", req.UserID),
		logger.Int("published", published))
}

// generate 按用户已知偏好选择生成方式
// 点赞优先；其次是显式选择的风格；都没有时退回配置的种子点赞。
// 这是一个明确的策略选择，不是错误
func (c *RefillConsumer) generate(userID string, count int) ([]model.ScoredBeat, error) {
	if likes := c.storage.Likes(userID); len(likes) > 0 {
		return c.engine.ByLikes(likes, count)
	}
	if genres := c.storage.Genres(userID); len(genres) > 0 {
		return c.engine.ByGenres(genres)
	}
	logger.Info("no known preference for user, using seed likes",
		logger.String("userId", userID))
	return c.engine.ByLikes(c.cfg.RefillSeedLikes, count)
}

func (c *RefillConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.consumer.CommitMessages(ctx, msg); err != nil {
		logger.Error("failed to commit refill offset",
			logger.Int64("offset", msg.Offset),
			logger.ErrorField(err))
	}
}
