package recommend

import (
	"errors"
	"fmt"
	"sort"

	"Bt1QRec/logger"
	"Bt1QRec/model"
)

// ErrInvalidGenreCount is returned when the number of distinct requested
// genres is outside the configured range. Surfaced to the caller, never
// retried.
var ErrInvalidGenreCount = errors.New("invalid genre count")

// Engine 基于当前目录快照生成推荐列表
// 只读目录，本身无状态，可并发使用
type Engine struct {
	catalogs  *CatalogHolder
	scorer    *Scorer
	batchSize int
	minGenres int
	maxGenres int
}

// NewEngine 创建推荐引擎
func NewEngine(catalogs *CatalogHolder, scorer *Scorer, batchSize, minGenres, maxGenres int) *Engine {
	return &Engine{
		catalogs:  catalogs,
		scorer:    scorer,
		batchSize: batchSize,
		minGenres: minGenres,
		maxGenres: maxGenres,
	}
}

// BeatByID 从当前快照按 id 查找完整 beat
func (e *Engine) BeatByID(id string) (*model.Beat, bool) {
	return e.catalogs.Current().ByID(id)
}

// CatalogSize 返回当前快照的 beat 数量
func (e *Engine) CatalogSize() int {
	return e.catalogs.Current().Len()
}

// ByGenres 按请求的风格生成推荐
// 流程：均匀风格向量 -> 推导标签/情绪偏好 -> 全量打分 -> 稳定降序排序 ->
// 按风格轮转交错 -> 截取 batchSize
func (e *Engine) ByGenres(genreIDs []string) ([]model.ScoredBeat, error) {
	distinct := dedupe(genreIDs)
	if len(distinct) < e.minGenres || len(distinct) > e.maxGenres {
		return nil, fmt.Errorf("%w: got %d distinct genres, want %d to %d",
			ErrInvalidGenreCount, len(distinct), e.minGenres, e.maxGenres)
	}

	catalog := e.catalogs.Current()
	genreVec := uniformVector(distinct)

	// 根据每个 beat 的风格向量与请求向量的相似度，累加出隐含的标签/情绪偏好
	tagScores := make(map[string]float64)
	moodScores := make(map[string]float64)
	for _, beat := range catalog.Beats() {
		sim := CosineSimilarity(genreVec, uniformVector(beat.Genres))
		if sim == 0 {
			continue
		}
		for tag, val := range uniformVector(beat.Tags) {
			tagScores[tag] += val * sim
		}
		for mood, val := range uniformVector(beat.Moods) {
			moodScores[mood] += val * sim
		}
	}

	scored := e.scoreAll(catalog, nil, genreVec, tagScores, moodScores)
	sortByScore(scored)
	logger.Debug("scored catalog by genres",
		logger.Int("candidates", len(scored)),
		logger.Int("genres", len(distinct)))

	alternated := alternateGenres(scored, distinct)
	if len(alternated) > e.batchSize {
		alternated = alternated[:e.batchSize]
	}
	return alternated, nil
}

// ByLikes 按点赞的 beat 推断偏好并生成推荐，点赞过的 beat 不会出现在结果里
func (e *Engine) ByLikes(likedIDs []string, count int) ([]model.ScoredBeat, error) {
	catalog := e.catalogs.Current()
	genreVec, tagVec, moodVec := analyzePreferences(catalog, likedIDs)

	exclude := make(map[string]struct{}, len(likedIDs))
	for _, id := range likedIDs {
		exclude[id] = struct{}{}
	}

	scored := e.scoreAll(catalog, exclude, genreVec, tagVec, moodVec)
	sortByScore(scored)
	logger.Debug("scored catalog by likes",
		logger.Int("candidates", len(scored)),
		logger.Int("liked", len(likedIDs)))

	if len(scored) > count {
		scored = scored[:count]
	}
	return scored, nil
}

// scoreAll 给快照里除 exclude 之外的全部 beat 打分，保持目录顺序
func (e *Engine) scoreAll(catalog *Catalog, exclude map[string]struct{}, genreVec, tagVec, moodVec map[string]float64) []model.ScoredBeat {
	beats := catalog.Beats()
	scored := make([]model.ScoredBeat, 0, len(beats))
	for _, beat := range beats {
		if _, skip := exclude[beat.ID]; skip {
			continue
		}
		scored = append(scored, model.ScoredBeat{
			ID:     beat.ID,
			Title:  beat.Title,
			Genres: beat.Genres,
			Tags:   beat.Tags,
			Moods:  beat.Moods,
			Score:  e.scorer.Score(beat, genreVec, tagVec, moodVec),
		})
	}
	return scored
}

// sortByScore 按分数降序排序
// 稳定排序：分数相同的 beat 保持目录顺序，这是并列时的确定性规则
func sortByScore(scored []model.ScoredBeat) {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
}

// alternateGenres 把排序后的列表按请求风格分桶后轮转交错
// 每个 beat 进入第一个匹配的桶（按请求风格的顺序），然后按位置 0、1、2…
// 轮流从每个桶取一个，空桶跳过，保证结果在请求的风格之间交替
func alternateGenres(scored []model.ScoredBeat, preferredGenres []string) []model.ScoredBeat {
	buckets := make(map[string][]model.ScoredBeat, len(preferredGenres))
	for _, track := range scored {
		for _, genre := range preferredGenres {
			if containsID(track.Genres, genre) {
				buckets[genre] = append(buckets[genre], track)
				break
			}
		}
	}

	maxLen := 0
	for _, bucket := range buckets {
		if len(bucket) > maxLen {
			maxLen = len(bucket)
		}
	}

	alternated := make([]model.ScoredBeat, 0, len(scored))
	for i := 0; i < maxLen; i++ {
		for _, genre := range preferredGenres {
			if i < len(buckets[genre]) {
				alternated = append(alternated, buckets[genre][i])
			}
		}
	}
	return alternated
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
