package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"Bt1QRec/logger"
	"Bt1QRec/storage"
)

// namedCategory 是带展示名称的分类条目
type namedCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetBeatDetailHandler 返回单个 beat 的完整信息
// 分类 id 通过 taxonomy 表解析成展示名称，音频和封面换成预签名地址
func (h *RecHandler) GetBeatDetailHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	beatID := vars["beat_id"]
	if beatID == "" {
		respondError(w, http.StatusBadRequest, "beat_id is required")
		return
	}

	beat, ok := h.engine.BeatByID(beatID)
	if !ok {
		respondError(w, http.StatusNotFound, "beat not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"beat":   storage.ResolveBeatURLs(r.Context(), beat),
		"genres": h.resolveNames(beat.Genres, h.taxonomy.GenreNames),
		"tags":   h.resolveNames(beat.Tags, h.taxonomy.TagNames),
		"moods":  h.resolveNames(beat.Moods, h.taxonomy.MoodNames),
	})
}

// resolveNames 把分类 id 解析成 {id, name} 列表
// 查询失败或 id 不在表里时回退到裸 id，详情页降级展示而不是报错
func (h *RecHandler) resolveNames(ids []string, lookup func([]string) (map[string]string, error)) []namedCategory {
	out := make([]namedCategory, 0, len(ids))
	if len(ids) == 0 {
		return out
	}

	names, err := lookup(ids)
	if err != nil {
		logger.Warn("taxonomy lookup failed, returning raw ids", logger.ErrorField(err))
		names = map[string]string{}
	}

	for _, id := range ids {
		name, ok := names[id]
		if !ok {
			name = id
		}
		out = append(out, namedCategory{ID: id, Name: name})
	}
	return out
}
