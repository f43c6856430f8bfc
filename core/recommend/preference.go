package recommend

// analyzePreferences 根据用户点赞的 beat 推断偏好向量
// 对每个维度统计分类出现次数，再除以点赞数量做归一化
func analyzePreferences(catalog *Catalog, likedIDs []string) (genres, tags, moods map[string]float64) {
	genres = make(map[string]float64)
	tags = make(map[string]float64)
	moods = make(map[string]float64)

	liked := make(map[string]struct{}, len(likedIDs))
	for _, id := range likedIDs {
		liked[id] = struct{}{}
	}

	for _, beat := range catalog.Beats() {
		if _, ok := liked[beat.ID]; !ok {
			continue
		}
		for _, g := range beat.Genres {
			genres[g]++
		}
		for _, t := range beat.Tags {
			tags[t]++
		}
		for _, m := range beat.Moods {
			moods[m]++
		}
	}

	total := float64(len(likedIDs))
	if total == 0 {
		total = 1
	}
	for k := range genres {
		genres[k] /= total
	}
	for k := range tags {
		tags[k] /= total
	}
	for k := range moods {
		moods[k] /= total
	}
	return genres, tags, moods
}

// uniformVector 为一组 id 构造均匀权重向量（每个权重 1/N）
func uniformVector(ids []string) map[string]float64 {
	if len(ids) == 0 {
		return map[string]float64{}
	}
	vec := make(map[string]float64, len(ids))
	w := 1.0 / float64(len(ids))
	for _, id := range ids {
		vec[id] = w
	}
	return vec
}
