package recommend

import (
	"math"

	"Bt1QRec/model"
)

// Scorer 按照风格/标签/情绪三个维度给 beat 打分
// 纯函数，不做任何 I/O，可以被任意多个请求并发调用
type Scorer struct {
	GenreWeight float64
	TagWeight   float64
	MoodWeight  float64
	// Penalty is raised to the number of beat genres outside the preference
	// vector, pushing down beats that stray from the requested genres.
	Penalty float64
}

// NewScorer 使用默认权重创建打分器（0.6 风格 / 0.3 标签 / 0.1 情绪）
func NewScorer() *Scorer {
	return &Scorer{
		GenreWeight: 0.6,
		TagWeight:   0.3,
		MoodWeight:  0.1,
		Penalty:     0.5,
	}
}

// Score 计算一个 beat 与偏好向量的相似度
// 每个维度：对 beat 携带的分类 id 累加偏好权重，按该维度权重总和归一化
// （权重总和为 0 时按 1 处理），风格维度额外乘以 penalty^k，k 为偏好向量
// 以外的风格数量
func (s *Scorer) Score(beat *model.Beat, genreWeights, tagWeights, moodWeights map[string]float64) float64 {
	if beat == nil {
		return 0.0
	}

	var genreScore, tagScore, moodScore float64
	extraGenres := 0
	for _, g := range beat.Genres {
		w, ok := genreWeights[g]
		if !ok {
			extraGenres++
			continue
		}
		genreScore += w
	}
	for _, t := range beat.Tags {
		tagScore += tagWeights[t]
	}
	for _, m := range beat.Moods {
		moodScore += moodWeights[m]
	}

	if extraGenres > 0 {
		genreScore *= math.Pow(s.Penalty, float64(extraGenres))
	}

	genreNorm := genreScore / weightSum(genreWeights)
	tagNorm := tagScore / weightSum(tagWeights)
	moodNorm := moodScore / weightSum(moodWeights)

	return s.GenreWeight*genreNorm + s.TagWeight*tagNorm + s.MoodWeight*moodNorm
}

// weightSum 返回权重总和，为 0 时返回 1，避免除零
func weightSum(weights map[string]float64) float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		return 1
	}
	return sum
}

// CosineSimilarity 计算两个稀疏权重向量的余弦相似度
// 任一向量范数为 0 时返回 0
func CosineSimilarity(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for _, v := range a {
		normA += v * v
	}
	for _, v := range b {
		normB += v * v
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	for k, v := range a {
		dot += v * b[k]
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// denseCosine 计算两个数值特征向量的余弦相似度，长度不一致时按较短者截断
func denseCosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0.0
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
