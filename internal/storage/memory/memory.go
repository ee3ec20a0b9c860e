package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ButyrinIA/blog/internal/models"
	"github.com/ButyrinIA/blog/internal/storage"
)

type MemoryStorage struct {
	posts    map[string]*models.Post
	authors  map[string]*models.Author
	seq      int64
	watchers map[chan struct{}]struct{}
	mu       sync.RWMutex
}

func New() *MemoryStorage {
	return &MemoryStorage{
		posts:    make(map[string]*models.Post),
		authors:  make(map[string]*models.Author),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (s *MemoryStorage) CreatePost(ctx context.Context, post *models.Post) error {
	s.mu.Lock()
	s.seq++
	p := *post
	p.Seq = s.seq
	p.Reactions = copyReactions(post.Reactions)
	p.ReactionCounts = copyCounts(post.ReactionCounts)
	s.posts[p.ID] = &p
	post.Seq = p.Seq
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *MemoryStorage) GetPost(ctx context.Context, id string) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, exists := s.posts[id]
	if !exists {
		return nil, storage.ErrNotFound
	}

	p := *post
	p.Reactions = copyReactions(post.Reactions)
	p.ReactionCounts = copyCounts(post.ReactionCounts)
	return &p, nil
}

func (s *MemoryStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	posts := make([]models.Post, 0, len(s.posts))
	for _, post := range s.posts {
		p := *post
		p.Reactions = copyReactions(post.Reactions)
		p.ReactionCounts = copyCounts(post.ReactionCounts)
		posts = append(posts, p)
	}

	// Сортировка по CreatedAt по убыванию, ничьи - по порядку вставки.
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].Seq > posts[j].Seq
	})

	return posts, nil
}

func (s *MemoryStorage) UpdatePost(ctx context.Context, id string, upd models.PostUpdate) error {
	s.mu.Lock()
	post, exists := s.posts[id]
	if !exists {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	if upd.Title != nil {
		post.Title = *upd.Title
	}
	if upd.Content != nil {
		post.Content = *upd.Content
	}
	if upd.ImageURL != nil {
		post.ImageURL = *upd.ImageURL
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *MemoryStorage) DeletePost(ctx context.Context, id string) error {
	s.mu.Lock()
	_, exists := s.posts[id]
	delete(s.posts, id)
	s.mu.Unlock()

	if exists {
		s.notify()
	}
	return nil
}

func (s *MemoryStorage) ListPostsByAuthor(ctx context.Context, authorID string) ([]models.Post, error) {
	all, err := s.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	var posts []models.Post
	for _, p := range all {
		if p.AuthorID == authorID {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

func (s *MemoryStorage) SetReactions(ctx context.Context, id string, reactions map[string]string) error {
	s.mu.Lock()
	post, exists := s.posts[id]
	if !exists {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	post.Reactions = copyReactions(reactions)
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *MemoryStorage) IncrementReaction(ctx context.Context, id string, emoji string) error {
	s.mu.Lock()
	post, exists := s.posts[id]
	if !exists {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	// nil - реакции отключены, инкремент их не воскрешает.
	if post.ReactionCounts != nil {
		post.ReactionCounts[emoji]++
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *MemoryStorage) SetReactionCounts(ctx context.Context, id string, counts map[string]int64) error {
	s.mu.Lock()
	post, exists := s.posts[id]
	if !exists {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	post.ReactionCounts = copyCounts(counts)
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *MemoryStorage) GetAuthor(ctx context.Context, id string) (*models.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	author, exists := s.authors[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	a := *author
	a.Badges = append([]string(nil), author.Badges...)
	return &a, nil
}

func (s *MemoryStorage) SaveAuthor(ctx context.Context, author *models.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *author
	a.Badges = dedupBadges(author.Badges)
	s.authors[a.ID] = &a
	return nil
}

func (s *MemoryStorage) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	// Снятие наблюдателя после отмены контекста. Канал закрывает тот,
	// кто первым снял его с учета: либо эта горутина, либо Close.
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		_, registered := s.watchers[ch]
		delete(s.watchers, ch)
		s.mu.Unlock()
		if registered {
			close(ch)
		}
	}()

	return ch, nil
}

// notify посылает сигнал всем наблюдателям. Сигналы сливаются: если
// наблюдатель еще не прочитал предыдущий, новый не добавляется.
func (s *MemoryStorage) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.posts = make(map[string]*models.Post)
	s.authors = make(map[string]*models.Author)
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan struct{}]struct{})
	return nil
}

func copyReactions(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func dedupBadges(badges []string) []string {
	if badges == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(badges))
	out := make([]string, 0, len(badges))
	for _, b := range badges {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}
