package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"Bt1QRec/logger"
	"Bt1QRec/model"
)

// SimilarCache 缓存相似 beat 查询结果
// key 格式 similar_tracks:<beat_id>，默认保留一周
type SimilarCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSimilarCache 创建相似结果缓存
func NewSimilarCache(client *redis.Client, ttl time.Duration) *SimilarCache {
	return &SimilarCache{client: client, ttl: ttl}
}

func similarKey(beatID string) string {
	return fmt.Sprintf("similar_tracks:%s", beatID)
}

// Get 读取缓存，未命中或解析失败返回 false
func (c *SimilarCache) Get(ctx context.Context, beatID string) ([]*model.Beat, bool) {
	if c.client == nil {
		return nil, false
	}

	raw, err := c.client.Get(ctx, similarKey(beatID)).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("similar cache read failed",
				logger.String("beatId", beatID),
				logger.ErrorField(err))
		}
		return nil, false
	}

	var beats []*model.Beat
	if err := json.Unmarshal([]byte(raw), &beats); err != nil {
		// 缓存内容损坏时当作未命中，由调用方重建
		logger.Warn("similar cache entry corrupt, dropping",
			logger.String("beatId", beatID),
			logger.ErrorField(err))
		c.client.Del(ctx, similarKey(beatID))
		return nil, false
	}
	return beats, true
}

// Set 写入缓存并设置过期时间
func (c *SimilarCache) Set(ctx context.Context, beatID string, beats []*model.Beat) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	payload, err := json.Marshal(beats)
	if err != nil {
		return fmt.Errorf("failed to marshal similar beats: %w", err)
	}

	if err := c.client.Set(ctx, similarKey(beatID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache similar beats: %w", err)
	}
	return nil
}
