package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"Bt1QRec/core/recommend"
	"Bt1QRec/logger"
	"Bt1QRec/model"
	"Bt1QRec/storage"
)

// GetSimilarBeatsHandler 返回与指定 beat 音频特征最接近的若干 beat
func (h *RecHandler) GetSimilarBeatsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	beatID := vars["beat_id"]
	if beatID == "" {
		respondError(w, http.StatusBadRequest, "beat_id is required")
		return
	}

	results, err := h.similar.SimilarBeats(r.Context(), beatID)
	if err != nil {
		if errors.Is(err, recommend.ErrBeatNotFound) {
			respondError(w, http.StatusNotFound, "beat not found")
			return
		}
		logger.Error("failed to find similar beats",
			logger.String("beatId", beatID),
			logger.ErrorField(err))
		respondError(w, http.StatusInternalServerError, "failed to find similar beats")
		return
	}

	resolved := make([]*model.Beat, 0, len(results))
	for _, beat := range results {
		resolved = append(resolved, storage.ResolveBeatURLs(r.Context(), beat))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"beat_id": beatID,
		"count":   len(resolved),
		"similar": resolved,
	})
}
