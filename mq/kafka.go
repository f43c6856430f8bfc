package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"Bt1QRec/config"
	"Bt1QRec/logger"
	"Bt1QRec/model"
)

// fetchCommitter abstracts kafka.Reader so consumer commit behavior is
// testable without a broker.
type fetchCommitter interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 封装两个 Kafka writer：推荐消息和补充请求
// 两个主题的消息都以 user_id 作为 key，保证同一用户的消息落在同一分区、
// 按序消费。offset 幂等合并依赖这一点
type Producer struct {
	recWriter    *kafka.Writer
	refillWriter *kafka.Writer
}

// NewProducer 创建生产者
func NewProducer(cfg *config.Config) *Producer {
	return &Producer{
		recWriter:    newWriter(cfg.KafkaBrokers, cfg.RecBeatsTopic),
		refillWriter: newWriter(cfg.KafkaBrokers, cfg.RefillTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// PublishRecommendation 发布一条推荐消息，key 为 user_id
func (p *Producer) PublishRecommendation(ctx context.Context, userID string, beat *model.Beat) error {
	payload, err := json.Marshal(model.Recommendation{UserID: userID, Beat: beat})
	if err != nil {
		return fmt.Errorf("failed to marshal recommendation: %w", err)
	}

	err = p.recWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(userID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish recommendation for user %s: %w", userID, err)
	}

	logger.Debug("recommendation published",
		logger.String("userId", userID),
		logger.String("beatId", beat.ID))
	return nil
}

// PublishRefillRequest 发布一条补充请求，key 为 user_id
func (p *Producer) PublishRefillRequest(ctx context.Context, req model.RefillRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal refill request: %w", err)
	}

	err = p.refillWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.UserID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish refill request for user %s: %w", req.UserID, err)
	}
	return nil
}

// Close 关闭底层 writer
func (p *Producer) Close() error {
	if err := p.recWriter.Close(); err != nil {
		return err
	}
	return p.refillWriter.Close()
}

// newGroupReader 创建带消费组的 reader，手动提交 offset
func newGroupReader(cfg *config.Config, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          topic,
		GroupID:        groupID,
		StartOffset:    kafka.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0, // 只手动提交
	})
}

// TestKafka 测试到 Kafka 集群的连接
func TestKafka(cfg *config.Config) error {
	if len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", cfg.KafkaBrokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker %s: %w", cfg.KafkaBrokers[0], err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read partitions from %s: %w", cfg.KafkaBrokers[0], err)
	}
	return nil
}

// sleepWithContext 可取消的退避等待
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
