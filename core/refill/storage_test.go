package refill

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Bt1QRec/model"
)

func beat(id string) *model.Beat {
	return &model.Beat{ID: id}
}

func TestEnqueueDedupe(t *testing.T) {
	s := NewStorage(200)
	s.Enqueue("u1", beat("1"))
	s.Enqueue("u1", beat("1"))
	s.Enqueue("u1", beat("2"))

	assert.Equal(t, 2, s.QueueLen("u1"))
}

func TestEnqueueCapDropsOldest(t *testing.T) {
	s := NewStorage(3)
	for i := 1; i <= 5; i++ {
		s.Enqueue("u1", beat(fmt.Sprintf("%d", i)))
	}

	taken, remaining := s.Dequeue("u1", 3)
	require.Len(t, taken, 3)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, "3", taken[0].ID)
	assert.Equal(t, "4", taken[1].ID)
	assert.Equal(t, "5", taken[2].ID)

	// 被截断丢弃的id可以重新入队
	s.Enqueue("u1", beat("1"))
	assert.Equal(t, 1, s.QueueLen("u1"))
}

func TestDequeueMoreThanAvailable(t *testing.T) {
	s := NewStorage(200)
	for i := 1; i <= 5; i++ {
		s.Enqueue("u1", beat(fmt.Sprintf("%d", i)))
	}

	taken, remaining := s.Dequeue("u1", 9)
	assert.Len(t, taken, 5)
	assert.Equal(t, 0, remaining)

	taken, remaining = s.Dequeue("u1", 9)
	assert.Empty(t, taken)
	assert.Equal(t, 0, remaining)
}

func TestDequeueFIFO(t *testing.T) {
	s := NewStorage(200)
	s.Enqueue("u1", beat("a"))
	s.Enqueue("u1", beat("b"))
	s.Enqueue("u1", beat("c"))

	taken, remaining := s.Dequeue("u1", 2)
	require.Len(t, taken, 2)
	assert.Equal(t, "a", taken[0].ID)
	assert.Equal(t, "b", taken[1].ID)
	assert.Equal(t, 1, remaining)
}

func TestApplyIfNewerIdempotent(t *testing.T) {
	s := NewStorage(200)

	assert.True(t, s.ApplyIfNewer("u1", 10, beat("1")))
	assert.Equal(t, int64(10), s.LastOffset("u1"))

	// 同一offset重复投递
	assert.False(t, s.ApplyIfNewer("u1", 10, beat("1")))
	// 更早的offset
	assert.False(t, s.ApplyIfNewer("u1", 5, beat("2")))
	assert.Equal(t, 1, s.QueueLen("u1"))

	assert.True(t, s.ApplyIfNewer("u1", 11, beat("2")))
	assert.Equal(t, 2, s.QueueLen("u1"))
}

func TestApplyIfNewerAdvancesOnDuplicateBeat(t *testing.T) {
	s := NewStorage(200)
	require.True(t, s.ApplyIfNewer("u1", 1, beat("1")))

	// beat因重复id没有入队，但offset照样推进
	assert.True(t, s.ApplyIfNewer("u1", 2, beat("1")))
	assert.Equal(t, int64(2), s.LastOffset("u1"))
	assert.Equal(t, 1, s.QueueLen("u1"))
}

func TestClearResetsOffset(t *testing.T) {
	s := NewStorage(200)
	s.ApplyIfNewer("u1", 10, beat("1"))
	s.SetDirect("u1", []*model.Beat{beat("2")})

	s.Clear("u1")

	assert.Equal(t, 0, s.QueueLen("u1"))
	assert.Equal(t, int64(-1), s.LastOffset("u1"))
	// 旧offset不再挡住新消息
	assert.True(t, s.ApplyIfNewer("u1", 3, beat("1")))
}

func TestTryBeginRefillConcurrent(t *testing.T) {
	s := NewStorage(200)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryBeginRefill("u1", 5, 300*time.Second) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.True(t, s.IsPending("u1"))
}

func TestShouldRefillThreshold(t *testing.T) {
	s := NewStorage(200)

	// 空队列需要补充
	assert.True(t, s.ShouldRefill("u1", 5, 0))

	// 队列+直接批次达到 threshold*3 后不再需要
	for i := 0; i < 10; i++ {
		s.Enqueue("u1", beat(fmt.Sprintf("q%d", i)))
	}
	direct := make([]*model.Beat, 5)
	for i := range direct {
		direct[i] = beat(fmt.Sprintf("d%d", i))
	}
	s.SetDirect("u1", direct)
	assert.False(t, s.ShouldRefill("u1", 5, 0))

	taken, _ := s.Dequeue("u1", 1)
	require.Len(t, taken, 1)
	assert.True(t, s.ShouldRefill("u1", 5, 0))
}

func TestShouldRefillCooldown(t *testing.T) {
	s := NewStorage(200)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.True(t, s.TryBeginRefill("u1", 5, 300*time.Second))
	// pending挡住重复补充
	assert.False(t, s.ShouldRefill("u1", 5, 300*time.Second))

	s.ClearPending("u1")
	// 冷却期内仍然不补充
	assert.False(t, s.ShouldRefill("u1", 5, 300*time.Second))

	now = now.Add(301 * time.Second)
	assert.True(t, s.ShouldRefill("u1", 5, 300*time.Second))
}

func TestRollbackPendingAllowsImmediateRetry(t *testing.T) {
	s := NewStorage(200)
	require.True(t, s.TryBeginRefill("u1", 5, 300*time.Second))

	s.RollbackPending("u1")

	assert.False(t, s.IsPending("u1"))
	// 回滚清掉了冷却时间戳，立刻可以重试
	assert.True(t, s.TryBeginRefill("u1", 5, 300*time.Second))
}

func TestCompleteRefillIfReplenished(t *testing.T) {
	s := NewStorage(200)
	require.True(t, s.TryBeginRefill("u1", 5, 0))

	for i := 0; i < 9; i++ {
		s.Enqueue("u1", beat(fmt.Sprintf("%d", i)))
	}

	assert.False(t, s.CompleteRefillIfReplenished("u1", 10))
	assert.True(t, s.CompleteRefillIfReplenished("u1", 9))
	assert.False(t, s.IsPending("u1"))
	// 已经Idle时不再发生转换
	assert.False(t, s.CompleteRefillIfReplenished("u1", 9))
}

func TestExpireStalePending(t *testing.T) {
	s := NewStorage(200)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.True(t, s.TryBeginRefill("u1", 5, 300*time.Second))
	require.True(t, s.TryBeginRefill("u2", 5, 300*time.Second))

	assert.Equal(t, 0, s.ExpireStalePending(300*time.Second))

	now = now.Add(301 * time.Second)
	assert.Equal(t, 2, s.ExpireStalePending(300*time.Second))
	assert.False(t, s.IsPending("u1"))
	assert.False(t, s.IsPending("u2"))
}

func TestPruneEmptyUsers(t *testing.T) {
	s := NewStorage(200)
	s.Enqueue("busy", beat("1"))
	s.SetLikes("idle", []string{"56"})
	require.True(t, s.TryBeginRefill("waiting", 5, 0))

	pruned := s.PruneEmptyUsers()

	// 有pending的用户不清理，队列非空的用户不清理
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 2, s.UserCount())
	assert.Equal(t, 1, s.QueueLen("busy"))
	assert.True(t, s.IsPending("waiting"))
}

func TestLikesGenresCopies(t *testing.T) {
	s := NewStorage(200)
	input := []string{"1", "2"}
	s.SetLikes("u1", input)
	input[0] = "mutated"

	likes := s.Likes("u1")
	require.Equal(t, []string{"1", "2"}, likes)

	likes[1] = "mutated"
	assert.Equal(t, []string{"1", "2"}, s.Likes("u1"))

	s.SetGenres("u1", []string{"9"})
	assert.Equal(t, []string{"9"}, s.Genres("u1"))
	assert.Nil(t, s.Likes("unknown"))
}
