package recommend

import (
	"context"
	"errors"
	"sort"

	"Bt1QRec/cache"
	"Bt1QRec/logger"
	"Bt1QRec/model"
)

// ErrBeatNotFound is returned when the requested beat id is not in the catalog.
var ErrBeatNotFound = errors.New("beat not found in catalog")

// SimilarService 基于音频特征向量查找相似 beat，结果写入 Redis 缓存
type SimilarService struct {
	catalogs *CatalogHolder
	cache    *cache.SimilarCache
	topN     int
}

// NewSimilarService 创建相似查找服务，cache 可以为 nil（不缓存）
func NewSimilarService(catalogs *CatalogHolder, similarCache *cache.SimilarCache, topN int) *SimilarService {
	return &SimilarService{
		catalogs: catalogs,
		cache:    similarCache,
		topN:     topN,
	}
}

// SimilarBeats 返回与给定 beat 音频特征最接近的 topN 个 beat
// 返回结果不携带分类字段，只有展示需要的元数据
func (s *SimilarService) SimilarBeats(ctx context.Context, beatID string) ([]*model.Beat, error) {
	catalog := s.catalogs.Current()
	source, ok := catalog.ByID(beatID)
	if !ok {
		return nil, ErrBeatNotFound
	}

	if s.cache != nil {
		if cached, hit := s.cache.Get(ctx, beatID); hit {
			logger.Debug("similar beats cache hit", logger.String("beatId", beatID))
			return cached, nil
		}
	}

	if len(source.Features) == 0 {
		// 该 beat 还没有分析结果，相似查找返回空而不是错误
		return []*model.Beat{}, nil
	}

	type neighbor struct {
		beat *model.Beat
		sim  float64
	}
	neighbors := make([]neighbor, 0, catalog.Len())
	for _, candidate := range catalog.Beats() {
		if candidate.ID == beatID || len(candidate.Features) == 0 {
			continue
		}
		sim := denseCosine(source.Features, candidate.Features)
		neighbors = append(neighbors, neighbor{beat: candidate, sim: sim})
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].sim > neighbors[j].sim
	})
	if len(neighbors) > s.topN {
		neighbors = neighbors[:s.topN]
	}

	results := make([]*model.Beat, 0, len(neighbors))
	for _, n := range neighbors {
		results = append(results, stripCategories(n.beat))
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, beatID, results); err != nil {
			logger.Warn("failed to cache similar beats",
				logger.String("beatId", beatID),
				logger.ErrorField(err))
		}
	}

	return results, nil
}

// stripCategories 复制一个不带分类字段的 beat 用于对外返回
func stripCategories(beat *model.Beat) *model.Beat {
	return &model.Beat{
		ID:         beat.ID,
		Title:      beat.Title,
		URL:        beat.URL,
		Price:      beat.Price,
		Picture:    beat.Picture,
		Timestamps: beat.Timestamps,
	}
}
