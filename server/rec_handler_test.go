package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Bt1QRec/config"
	"Bt1QRec/core/auth"
	"Bt1QRec/core/recommend"
	"Bt1QRec/core/refill"
	"Bt1QRec/model"
)

type fakeRequester struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeRequester) RequestRefill(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
}

func (f *fakeRequester) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

type fakeProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakeProducer) PublishRecommendation(ctx context.Context, userID string, beat *model.Beat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, beat.ID)
	return nil
}

type fakeBeatRepo struct {
	count int64
	err   error
}

func (r *fakeBeatRepo) FetchAll(ctx context.Context) ([]*model.Beat, error) { return nil, nil }
func (r *fakeBeatRepo) CountBeats(ctx context.Context) (int64, error)       { return r.count, r.err }

type fakeTaxonomy struct {
	names map[string]string
	err   error
}

func (t *fakeTaxonomy) GenreNames(ids []string) (map[string]string, error) { return t.names, t.err }
func (t *fakeTaxonomy) TagNames(ids []string) (map[string]string, error)   { return t.names, t.err }
func (t *fakeTaxonomy) MoodNames(ids []string) (map[string]string, error)  { return t.names, t.err }

type handlerFixture struct {
	handler   *RecHandler
	store     *refill.Storage
	requester *fakeRequester
	producer  *fakeProducer
	cfg       *config.Config
}

func newHandlerFixture(t *testing.T, beats []*model.Beat) *handlerFixture {
	t.Helper()
	os.Clearenv()
	cfg := config.Load()

	holder := recommend.NewCatalogHolder(recommend.NewCatalog(beats))
	engine := recommend.NewEngine(holder, recommend.NewScorer(), cfg.BatchSize, cfg.MinGenres, cfg.MaxGenres)
	store := refill.NewStorage(cfg.MaxQueueSize)
	requester := &fakeRequester{}
	producer := &fakeProducer{}
	similar := recommend.NewSimilarService(holder, nil, cfg.SimilarTopN)

	handler := NewRecHandler(engine, store, requester, producer, similar,
		&fakeTaxonomy{names: map[string]string{}}, &fakeBeatRepo{count: int64(len(beats))}, cfg)
	return &handlerFixture{handler: handler, store: store, requester: requester, producer: producer, cfg: cfg}
}

func genreCatalog(n int, genres ...string) []*model.Beat {
	beats := make([]*model.Beat, 0, n)
	for i := 0; i < n; i++ {
		beats = append(beats, &model.Beat{
			ID:     fmt.Sprintf("b%d", i),
			Genres: []string{genres[i%len(genres)]},
		})
	}
	return beats
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestGetRecommendationsPartial(t *testing.T) {
	f := newHandlerFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.store.Enqueue("u1", &model.Beat{ID: fmt.Sprintf("b%d", i)})
	}

	req := httptest.NewRequest("GET", "/api/recommendations?user_id=u1&count=9", nil)
	rr := httptest.NewRecorder()
	f.handler.GetRecommendationsHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, float64(9), body["requested"])
	assert.Equal(t, float64(3), body["returned"])
	assert.Equal(t, float64(0), body["remaining"])
	assert.Equal(t, "partial", body["status"])
	// 取完必须触发恰好一次补充检查
	assert.Equal(t, []string{"u1"}, f.requester.requested())
	assert.Equal(t, 0, f.store.QueueLen("u1"))
}

func TestGetRecommendationsComplete(t *testing.T) {
	f := newHandlerFixture(t, nil)
	for i := 0; i < 9; i++ {
		f.store.Enqueue("u1", &model.Beat{ID: fmt.Sprintf("b%d", i)})
	}

	req := httptest.NewRequest("GET", "/api/recommendations?user_id=u1&count=5", nil)
	rr := httptest.NewRecorder()
	f.handler.GetRecommendationsHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, float64(5), body["returned"])
	assert.Equal(t, float64(4), body["remaining"])
	assert.Equal(t, "complete", body["status"])
	assert.Equal(t, []string{"u1"}, f.requester.requested())

	recs, ok := body["recommendations"].([]interface{})
	require.True(t, ok)
	assert.Len(t, recs, 5)
}

func TestGetRecommendationsDefaultCount(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest("GET", "/api/recommendations?user_id=u1", nil)
	rr := httptest.NewRecorder()
	f.handler.GetRecommendationsHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, float64(f.cfg.Refill().Count), body["requested"])
}

func TestGetRecommendationsBadInput(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rr := httptest.NewRecorder()
	f.handler.GetRecommendationsHandler(rr, httptest.NewRequest("GET", "/api/recommendations?user_id=u1&count=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	f.handler.GetRecommendationsHandler(rr, httptest.NewRequest("GET", "/api/recommendations?user_id=u1&count=0", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	f.handler.GetRecommendationsHandler(rr, httptest.NewRequest("GET", "/api/recommendations", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.requester.requested())
}

func TestFirstLaunchFlow(t *testing.T) {
	f := newHandlerFixture(t, genreCatalog(4, "1", "2"))

	payload := `{"genres": [1, "2"], "user_id": "u1"}`
	req := httptest.NewRequest("POST", "/create_rec_first_launch", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	f.handler.CreateRecFirstLaunchHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "u1", body["user_id"])

	// 数字和字符串写法的风格 id 都接受
	assert.Equal(t, []string{"1", "2"}, f.store.Genres("u1"))
	// 批次里的每个 beat 都发上了总线
	assert.Len(t, f.producer.published, 4)
	// 4 <= 阈值5，必须触发一次补充检查
	assert.Equal(t, []string{"u1"}, f.requester.requested())
}

func TestFirstLaunchInvalidGenreCount(t *testing.T) {
	f := newHandlerFixture(t, genreCatalog(4, "1", "2"))

	req := httptest.NewRequest("POST", "/create_rec_first_launch",
		strings.NewReader(`{"genres": [1, 2, 3, 4], "user_id": "u1"}`))
	rr := httptest.NewRecorder()
	f.handler.CreateRecFirstLaunchHandler(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	f.handler.CreateRecFirstLaunchHandler(rr, httptest.NewRequest("POST", "/create_rec_first_launch",
		strings.NewReader(`{"genres": [], "user_id": "u1"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	f.handler.CreateRecFirstLaunchHandler(rr, httptest.NewRequest("POST", "/create_rec_first_launch",
		strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Empty(t, f.producer.published)
	assert.Empty(t, f.requester.requested())
}

func TestFirstLaunchGeneratesUserID(t *testing.T) {
	f := newHandlerFixture(t, genreCatalog(4, "1"))

	req := httptest.NewRequest("POST", "/create_rec_first_launch",
		strings.NewReader(`{"genres": [1]}`))
	rr := httptest.NewRecorder()
	f.handler.CreateRecFirstLaunchHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	userID, ok := body["user_id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, userID)
	assert.Equal(t, []string{"1"}, f.store.Genres(userID))
}

func TestFirstLaunchClearsOldState(t *testing.T) {
	f := newHandlerFixture(t, genreCatalog(4, "1"))
	f.store.ApplyIfNewer("u1", 42, &model.Beat{ID: "stale"})

	req := httptest.NewRequest("POST", "/create_rec_first_launch",
		strings.NewReader(`{"genres": [1], "user_id": "u1"}`))
	rr := httptest.NewRecorder()
	f.handler.CreateRecFirstLaunchHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	// 旧队列和 offset 守卫都被丢弃，旧消息不再挡住新一轮投递
	assert.Equal(t, 0, f.store.QueueLen("u1"))
	assert.Equal(t, int64(-1), f.store.LastOffset("u1"))
}

func TestLikesFlow(t *testing.T) {
	beats := []*model.Beat{
		{ID: "56", Genres: []string{"1"}, Tags: []string{"7"}},
		{ID: "57", Genres: []string{"1"}, Tags: []string{"7"}},
		{ID: "58", Genres: []string{"1"}},
		{ID: "59", Genres: []string{"9"}},
	}
	f := newHandlerFixture(t, beats)

	payload := `{"song_id": ["56", 57], "user_id": "u1"}`
	req := httptest.NewRequest("POST", "/create_rec_likes_tracks", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	f.handler.CreateRecLikesTracksHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(2), body["sent_count"])

	assert.Equal(t, []string{"56", "57"}, f.store.Likes("u1"))
	// 点赞过的 beat 不会被发回
	assert.NotContains(t, f.producer.published, "56")
	assert.NotContains(t, f.producer.published, "57")
	assert.Equal(t, []string{"u1"}, f.requester.requested())
}

func TestLikesRequiresSongIDs(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest("POST", "/create_rec_likes_tracks",
		strings.NewReader(`{"song_id": [], "user_id": "u1"}`))
	rr := httptest.NewRecorder()
	f.handler.CreateRecLikesTracksHandler(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPublishFailureStillServesDirectBatch(t *testing.T) {
	f := newHandlerFixture(t, genreCatalog(4, "1"))
	f.producer.err = errors.New("broker unreachable")

	req := httptest.NewRequest("POST", "/create_rec_first_launch",
		strings.NewReader(`{"genres": [1], "user_id": "u1"}`))
	rr := httptest.NewRecorder()
	f.handler.CreateRecFirstLaunchHandler(rr, req)

	// 总线不可用只影响多实例收敛，同步批次照常返回
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "success", body["status"])
}

func TestHealthHandler(t *testing.T) {
	f := newHandlerFixture(t, genreCatalog(3, "1"))

	rr := httptest.NewRecorder()
	f.handler.HealthHandler(rr, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["beats"])
	assert.Equal(t, float64(3), body["db_beats"])
}

func TestHealthHandlerDegraded(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rr := httptest.NewRecorder()
	f.handler.HealthHandler(rr, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "degraded", body["status"])
}

func TestSimilarHandler(t *testing.T) {
	beats := []*model.Beat{
		{ID: "src", Features: []float64{1, 0}},
		{ID: "close", Features: []float64{0.9, 0.1}},
	}
	f := newHandlerFixture(t, beats)

	r := mux.NewRouter()
	r.HandleFunc("/api/similar/{beat_id}", f.handler.GetSimilarBeatsHandler)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/api/similar/src", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, float64(1), body["count"])

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/api/similar/404", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBeatDetailHandler(t *testing.T) {
	f := newHandlerFixture(t, []*model.Beat{{ID: "42", Title: "midnight", Genres: []string{"1"}}})
	f.handler.taxonomy = &fakeTaxonomy{names: map[string]string{"1": "Hip Hop"}}

	r := mux.NewRouter()
	r.HandleFunc("/api/beats/{beat_id}", f.handler.GetBeatDetailHandler)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/api/beats/42", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	genres, ok := body["genres"].([]interface{})
	require.True(t, ok)
	require.Len(t, genres, 1)
	entry := genres[0].(map[string]interface{})
	assert.Equal(t, "1", entry["id"])
	assert.Equal(t, "Hip Hop", entry["name"])

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/api/beats/404", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBeatDetailFallsBackToRawIDs(t *testing.T) {
	f := newHandlerFixture(t, []*model.Beat{{ID: "42", Genres: []string{"1"}}})
	f.handler.taxonomy = &fakeTaxonomy{err: errors.New("db down")}

	r := mux.NewRouter()
	r.HandleFunc("/api/beats/{beat_id}", f.handler.GetBeatDetailHandler)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/api/beats/42", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	genres := body["genres"].([]interface{})
	require.Len(t, genres, 1)
	assert.Equal(t, "1", genres[0].(map[string]interface{})["name"])
}

func TestAuthMiddleware(t *testing.T) {
	f := newHandlerFixture(t, nil)
	auth.Init("test-secret")

	var gotUser string
	protected := f.handler.AuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if claims := claimsFromContext(r.Context()); claims != nil {
			gotUser = claims.UserID
		}
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	protected(rr, httptest.NewRequest("GET", "/api/recommendations", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest("GET", "/api/recommendations", nil)
	req.Header.Set("Authorization", "Token abc")
	rr = httptest.NewRecorder()
	protected(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest("GET", "/api/recommendations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr = httptest.NewRecorder()
	protected(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{UserID: "u1"}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/api/recommendations", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rr = httptest.NewRecorder()
	protected(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "u1", gotUser)
}
