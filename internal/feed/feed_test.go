package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ButyrinIA/blog/internal/auth"
	"github.com/ButyrinIA/blog/internal/models"
	"github.com/ButyrinIA/blog/internal/storage"
	"github.com/ButyrinIA/blog/internal/storage/memory"
	"github.com/stretchr/testify/assert"
)

var editor = &auth.Principal{Email: "editor@example.com"}

// collector собирает снимки и ошибки подписки для проверок.
type collector struct {
	mu        sync.Mutex
	snapshots [][]models.Post
	errs      []error
	updated   chan struct{}
}

func newCollector() *collector {
	return &collector{updated: make(chan struct{}, 16)}
}

func (c *collector) onUpdate(posts []models.Post) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, posts)
	c.mu.Unlock()
	c.updated <- struct{}{}
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	c.updated <- struct{}{}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.updated:
	case <-time.After(2 * time.Second):
		t.Fatal("Таймаут ожидания доставки снимка")
	}
}

func (c *collector) last(t *testing.T) []models.Post {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		t.Fatal("Снимки не доставлялись")
	}
	return c.snapshots[len(c.snapshots)-1]
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots) + len(c.errs)
}

func TestSubscribe(t *testing.T) {
	store := memory.New()
	syncer := New(store)
	ctx := context.Background()

	col := newCollector()
	sub, err := syncer.Subscribe(ctx, col.onUpdate, col.onError)
	assert.NoError(t, err)
	defer sub.Cancel()

	// Первый снимок приходит сразу, даже для пустой коллекции.
	col.wait(t)
	assert.Empty(t, col.last(t))

	id, err := syncer.CreatePost(ctx, editor, models.PostDraft{Title: "Hello", Content: "World"})
	assert.NoError(t, err)

	col.wait(t)
	posts := col.last(t)
	assert.Len(t, posts, 1)
	assert.Equal(t, id, posts[0].ID)
	assert.Equal(t, "Hello", posts[0].Title)
	assert.NotNil(t, posts[0].Reactions, "Новый пост должен иметь пустую карту реакций, не nil")
	assert.Empty(t, posts[0].Reactions)
}

func TestSubscribe_Ordering(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Пост с более старой меткой времени ложится ниже всех более новых.
	now := time.Now().UTC()
	assert.NoError(t, store.CreatePost(ctx, &models.Post{ID: "new", Title: "n", Content: "c", CreatedAt: now}))
	assert.NoError(t, store.CreatePost(ctx, &models.Post{ID: "old", Title: "o", Content: "c", CreatedAt: now.Add(-time.Hour)}))

	syncer := New(store)
	col := newCollector()
	sub, err := syncer.Subscribe(ctx, col.onUpdate, col.onError)
	assert.NoError(t, err)
	defer sub.Cancel()

	col.wait(t)
	posts := col.last(t)
	assert.Equal(t, []string{"new", "old"}, []string{posts[0].ID, posts[1].ID})
}

func TestSubscribe_SnapshotReplacement(t *testing.T) {
	store := memory.New()
	syncer := New(store)
	ctx := context.Background()

	col := newCollector()
	sub, err := syncer.Subscribe(ctx, col.onUpdate, col.onError)
	assert.NoError(t, err)
	defer sub.Cancel()
	col.wait(t)

	id1, err := syncer.CreatePost(ctx, editor, models.PostDraft{Title: "Первый", Content: "a"})
	assert.NoError(t, err)
	col.wait(t)
	id2, err := syncer.CreatePost(ctx, editor, models.PostDraft{Title: "Второй", Content: "b"})
	assert.NoError(t, err)
	col.wait(t)

	assert.NoError(t, syncer.DeletePost(ctx, editor, id1))
	col.wait(t)

	posts := col.last(t)
	assert.Len(t, posts, 1, "Снимок должен отражать ровно последнее состояние")
	assert.Equal(t, id2, posts[0].ID)
}

func TestSubscribe_ErrorKeepsLastSnapshot(t *testing.T) {
	store := &failingStorage{MemoryStorage: memory.New()}
	syncer := New(store)
	ctx := context.Background()

	assert.NoError(t, store.CreatePost(ctx, &models.Post{ID: "p1", Title: "t", Content: "c", CreatedAt: time.Now()}))

	col := newCollector()
	sub, err := syncer.Subscribe(ctx, col.onUpdate, col.onError)
	assert.NoError(t, err)
	defer sub.Cancel()
	col.wait(t)
	assert.Len(t, col.last(t), 1)

	// Следующая загрузка снимка падает: ошибка уходит в onError,
	// последний снимок остается.
	store.setFail(true)
	assert.NoError(t, store.DeletePost(ctx, "p1"))
	col.wait(t)

	col.mu.Lock()
	assert.NotEmpty(t, col.errs, "Ошибка доставки должна уходить в onError")
	assert.Len(t, col.snapshots, 1, "Сбой не должен доставлять новый снимок")
	col.mu.Unlock()
}

func TestSubscribe_WatchClosedReportsError(t *testing.T) {
	store := &deadWatchStorage{MemoryStorage: memory.New(), changes: make(chan struct{})}
	syncer := New(store)
	ctx := context.Background()

	assert.NoError(t, store.CreatePost(ctx, &models.Post{ID: "p1", Title: "t", Content: "c", CreatedAt: time.Now()}))

	col := newCollector()
	sub, err := syncer.Subscribe(ctx, col.onUpdate, col.onError)
	assert.NoError(t, err)
	defer sub.Cancel()
	col.wait(t)
	assert.Len(t, col.last(t), 1)

	// Транспорт уведомлений умирает при живой подписке: новых снимков не
	// будет, подписчик должен получить ошибку, последний снимок остается.
	close(store.changes)
	col.wait(t)

	col.mu.Lock()
	assert.NotEmpty(t, col.errs, "Обрыв канала уведомлений должен уходить в onError")
	assert.ErrorIs(t, col.errs[len(col.errs)-1], ErrWatchClosed)
	assert.Len(t, col.snapshots, 1, "Последний снимок остается в силе")
	col.mu.Unlock()
}

func TestSubscription_Cancel(t *testing.T) {
	store := memory.New()
	syncer := New(store)
	ctx := context.Background()

	col := newCollector()
	sub, err := syncer.Subscribe(ctx, col.onUpdate, col.onError)
	assert.NoError(t, err)
	col.wait(t)

	sub.Cancel()
	before := col.count()

	_, err = syncer.CreatePost(ctx, editor, models.PostDraft{Title: "После отмены", Content: "c"})
	assert.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, before, col.count(), "После Cancel колбеки не должны вызываться")
}

func TestCreatePost(t *testing.T) {
	store := memory.New()
	syncer := New(store)
	ctx := context.Background()

	t.Run("Unauthorized", func(t *testing.T) {
		_, err := syncer.CreatePost(ctx, nil, models.PostDraft{Title: "Hello", Content: "World"})
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("InvalidArgument", func(t *testing.T) {
		_, err := syncer.CreatePost(ctx, editor, models.PostDraft{Title: "  ", Content: "World"})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = syncer.CreatePost(ctx, editor, models.PostDraft{Title: "Hello", Content: ""})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("Success", func(t *testing.T) {
		id, err := syncer.CreatePost(ctx, editor, models.PostDraft{Title: "Hello", Content: "World"})
		assert.NoError(t, err)

		post, err := store.GetPost(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, "editor@example.com", post.AuthorID, "Автор должен браться из principal")
		assert.NotNil(t, post.Reactions)
	})
}

func TestUpdatePost(t *testing.T) {
	store := memory.New()
	syncer := New(store)
	ctx := context.Background()

	id, err := syncer.CreatePost(ctx, editor, models.PostDraft{Title: "Hello", Content: "World"})
	assert.NoError(t, err)

	title := "Обновлено"
	assert.ErrorIs(t, syncer.UpdatePost(ctx, nil, id, models.PostUpdate{Title: &title}), auth.ErrUnauthorized)
	assert.ErrorIs(t, syncer.UpdatePost(ctx, editor, "missing", models.PostUpdate{Title: &title}), storage.ErrNotFound)

	assert.NoError(t, syncer.UpdatePost(ctx, editor, id, models.PostUpdate{Title: &title}))
	post, err := store.GetPost(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, "Обновлено", post.Title)
	assert.Equal(t, "World", post.Content)
}

func TestDeletePost(t *testing.T) {
	store := memory.New()
	syncer := New(store)
	ctx := context.Background()

	assert.ErrorIs(t, syncer.DeletePost(ctx, nil, "any"), auth.ErrUnauthorized)
	assert.NoError(t, syncer.DeletePost(ctx, editor, "missing"), "Удаление несуществующего id не ошибка")
}

func TestDeleteAuthorPosts(t *testing.T) {
	store := memory.New()
	syncer := New(store)
	ctx := context.Background()

	_, err := syncer.CreatePost(ctx, editor, models.PostDraft{Title: "a", Content: "b"})
	assert.NoError(t, err)
	_, err = syncer.CreatePost(ctx, &auth.Principal{Email: "other@example.com"}, models.PostDraft{Title: "c", Content: "d"})
	assert.NoError(t, err)

	assert.ErrorIs(t, syncer.DeleteAuthorPosts(ctx, nil, "editor@example.com"), auth.ErrUnauthorized)
	assert.NoError(t, syncer.DeleteAuthorPosts(ctx, editor, "editor@example.com"))

	posts, err := store.ListPosts(ctx)
	assert.NoError(t, err)
	assert.Len(t, posts, 1)
	assert.Equal(t, "other@example.com", posts[0].AuthorID)
}

// deadWatchStorage отдает из Watch канал, которым управляет тест.
type deadWatchStorage struct {
	*memory.MemoryStorage
	changes chan struct{}
}

func (s *deadWatchStorage) Watch(ctx context.Context) (<-chan struct{}, error) {
	return s.changes, nil
}

// failingStorage переключает ListPosts в режим отказа.
type failingStorage struct {
	*memory.MemoryStorage
	mu   sync.Mutex
	fail bool
}

func (s *failingStorage) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("временный сбой транспорта")
	}
	return s.MemoryStorage.ListPosts(ctx)
}
