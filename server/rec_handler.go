package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"Bt1QRec/config"
	"Bt1QRec/core/auth"
	"Bt1QRec/core/recommend"
	"Bt1QRec/core/refill"
	"Bt1QRec/logger"
	"Bt1QRec/model"
	"Bt1QRec/repository"
	"Bt1QRec/storage"
)

// recPublisher 发布推荐消息到总线，由 mq.Producer 实现
type recPublisher interface {
	PublishRecommendation(ctx context.Context, userID string, beat *model.Beat) error
}

// refillRequester 提交补充检查，由 refill.Coordinator 实现
type refillRequester interface {
	RequestRefill(userID string)
}

// RecHandler 处理推荐相关的API请求
type RecHandler struct {
	engine      *recommend.Engine
	store       *refill.Storage
	coordinator refillRequester
	producer    recPublisher
	similar     *recommend.SimilarService
	taxonomy    repository.TaxonomyRepository
	beatRepo    repository.BeatRepository
	cfg         *config.Config
}

// NewRecHandler 创建推荐API处理器
func NewRecHandler(
	engine *recommend.Engine,
	store *refill.Storage,
	coordinator refillRequester,
	producer recPublisher,
	similar *recommend.SimilarService,
	taxonomy repository.TaxonomyRepository,
	beatRepo repository.BeatRepository,
	cfg *config.Config,
) *RecHandler {
	return &RecHandler{
		engine:      engine,
		store:       store,
		coordinator: coordinator,
		producer:    producer,
		similar:     similar,
		taxonomy:    taxonomy,
		beatRepo:    beatRepo,
		cfg:         cfg,
	}
}

type firstLaunchRequest struct {
	Genres []interface{} `json:"genres"`
	UserID string        `json:"user_id"`
}

type likesRequest struct {
	SongIDs []interface{} `json:"song_id"`
	UserID  string        `json:"user_id"`
}

// CreateRecFirstLaunchHandler 按选择的风格生成首次推荐
// 同步生成第一批，逐条发布到总线（自消费用于多实例收敛），
// 批次太小时立刻触发一次补充检查
func (h *RecHandler) CreateRecFirstLaunchHandler(w http.ResponseWriter, r *http.Request) {
	var req firstLaunchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	genres := valuesToIDs(req.Genres)
	if len(genres) == 0 {
		respondError(w, http.StatusBadRequest, "genres list is required")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.New().String()
	}
	logger.Info("first launch recommendation request",
		logger.String("userId", userID),
		logger.Any("genres", genres))

	// 新的首次请求丢弃旧状态
	h.store.SetGenres(userID, genres)
	h.store.Clear(userID)

	recs, err := h.engine.ByGenres(genres)
	if err != nil {
		if errors.Is(err, recommend.ErrInvalidGenreCount) {
			respondError(w, http.StatusBadRequest,
				fmt.Sprintf("number of genres must be between %d and %d", h.cfg.MinGenres, h.cfg.MaxGenres))
			return
		}
		logger.Error("failed to generate recommendations by genres",
			logger.String("userId", userID),
			logger.ErrorField(err))
		respondError(w, http.StatusInternalServerError, "failed to generate recommendations")
		return
	}

	sent := h.publishBatch(r.Context(), userID, recs)

	if sent <= h.cfg.Refill().Threshold {
		logger.Info("direct batch at or below threshold, requesting refill",
			logger.String("userId", userID),
			logger.Int("sent", sent))
		h.coordinator.RequestRefill(userID)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Sent %d recommendations", sent),
		"user_id": userID,
	})
}

// CreateRecLikesTracksHandler 按点赞的 beat 生成推荐
func (h *RecHandler) CreateRecLikesTracksHandler(w http.ResponseWriter, r *http.Request) {
	var req likesRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	likedIDs := valuesToIDs(req.SongIDs)
	if len(likedIDs) == 0 {
		respondError(w, http.StatusBadRequest, "song_id list is required")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.New().String()
	}
	logger.Info("likes recommendation request",
		logger.String("userId", userID),
		logger.Int("liked", len(likedIDs)))

	h.store.SetLikes(userID, likedIDs)
	h.store.Clear(userID)

	recs, err := h.engine.ByLikes(likedIDs, h.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to generate recommendations by likes",
			logger.String("userId", userID),
			logger.ErrorField(err))
		respondError(w, http.StatusInternalServerError, "failed to generate recommendations")
		return
	}

	sent := h.publishBatch(r.Context(), userID, recs)

	if sent <= h.cfg.Refill().Threshold {
		h.coordinator.RequestRefill(userID)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"sent_count": sent,
		"user_id":    userID,
	})
}

// publishBatch 解析完整 beat、保存直接批次并逐条发布到总线，返回发布数量
// 发布的是目录里的原始 beat；预签名地址只在 HTTP 返回时生成，不上总线
func (h *RecHandler) publishBatch(ctx context.Context, userID string, recs []model.ScoredBeat) int {
	if len(recs) > h.cfg.BatchSize {
		recs = recs[:h.cfg.BatchSize]
	}

	beats := make([]*model.Beat, 0, len(recs))
	for _, rec := range recs {
		beat, ok := h.engine.BeatByID(rec.ID)
		if !ok {
			logger.Warn("beat missing from catalog, skipping",
				logger.String("beatId", rec.ID))
			continue
		}
		beats = append(beats, beat)

		if err := h.producer.PublishRecommendation(ctx, userID, beat); err != nil {
			// 同步批次已经保存在本地，单条发布失败只影响其他实例的收敛
			logger.Error("failed to publish direct recommendation",
				logger.String("userId", userID),
				logger.String("beatId", beat.ID),
				logger.ErrorField(err))
		}
	}

	h.store.SetDirect(userID, beats)
	return len(beats)
}

// GetRecommendationsHandler 取出队列头部的若干推荐
// 取完后总是提交一次补充检查，是否真的发补充由协调器判断
func (h *RecHandler) GetRecommendationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		if claims := claimsFromContext(r.Context()); claims != nil {
			userID = claims.UserID
		}
	}
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	count := h.cfg.Refill().Count
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = parsed
	}

	taken, remaining := h.store.Dequeue(userID, count)
	h.coordinator.RequestRefill(userID)

	resolved := make([]*model.Beat, 0, len(taken))
	for _, beat := range taken {
		resolved = append(resolved, storage.ResolveBeatURLs(r.Context(), beat))
	}

	status := "complete"
	if len(taken) < count {
		status = "partial"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         userID,
		"requested":       count,
		"returned":        len(taken),
		"remaining":       remaining,
		"status":          status,
		"recommendations": resolved,
	})
}

// HealthHandler 健康检查
// 同时报告内存快照和数据库的目录规模：两者长期不一致说明刷新任务有问题
func (h *RecHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	size := h.engine.CatalogSize()

	dbCount, err := h.beatRepo.CountBeats(r.Context())
	if err != nil {
		logger.Warn("health check could not count beats", logger.ErrorField(err))
		dbCount = -1
	}

	if size == 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "degraded",
			"beats":    0,
			"db_beats": dbCount,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"beats":    size,
		"db_beats": dbCount,
	})
}

// AuthMiddleware 校验网关签发的JWT
func (h *RecHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

type claimsContextKey struct{}

// claimsFromContext 取出认证中间件放进去的claims，没有时返回nil
func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return claims
}

// decodeBody 解析请求体，数字保持原样不转成float64
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}

// valuesToIDs 把 JSON 里的数字或字符串 id 统一成字符串
// 客户端两种写法都有，56 和 "56" 等价
func valuesToIDs(vals []interface{}) []string {
	ids := make([]string, 0, len(vals))
	for _, v := range vals {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				ids = append(ids, s)
			}
		case json.Number:
			ids = append(ids, t.String())
		}
	}
	return ids
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", logger.ErrorField(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
