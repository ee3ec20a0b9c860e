package authors

import (
	"context"
	"log"
	"sync"

	"github.com/ButyrinIA/blog/internal/models"
	"github.com/ButyrinIA/blog/internal/storage"
	"github.com/graph-gophers/dataloader/v7"
)

// Cache лениво подтягивает профили авторов, упомянутых в текущем снимке
// постов. Разрешенные записи живут до конца подписки и не вытесняются,
// даже если автор исчез из ленты.
type Cache struct {
	storage  storage.Storage
	loader   *dataloader.Loader[string, *models.Author]
	mu       sync.RWMutex
	resolved map[string]*models.Author
}

func New(store storage.Storage) *Cache {
	c := &Cache{
		storage:  store,
		resolved: make(map[string]*models.Author),
	}
	c.loader = dataloader.NewBatchedLoader(c.fetchAuthors)
	return c
}

// fetchAuthors загружает каждый ключ независимо и параллельно: отказ одного
// автора не блокирует и не отменяет остальных.
func (c *Cache) fetchAuthors(ctx context.Context, keys []string) []*dataloader.Result[*models.Author] {
	results := make([]*dataloader.Result[*models.Author], len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			author, err := c.storage.GetAuthor(ctx, key)
			results[i] = &dataloader.Result[*models.Author]{Data: author, Error: err}
		}(i, key)
	}
	wg.Wait()
	return results
}

// Resolve пополняет кеш авторами из снимка постов. Уже разрешенные id
// пропускаются; неудачные загрузки логируются, автор остается неразрешенным
// и будет запрошен снова на следующем снимке.
func (c *Cache) Resolve(ctx context.Context, posts []models.Post) {
	seen := make(map[string]struct{})
	var pending []string

	c.mu.RLock()
	for _, p := range posts {
		if p.AuthorID == "" {
			continue
		}
		if _, ok := c.resolved[p.AuthorID]; ok {
			continue
		}
		if _, ok := seen[p.AuthorID]; ok {
			continue
		}
		seen[p.AuthorID] = struct{}{}
		pending = append(pending, p.AuthorID)
	}
	c.mu.RUnlock()

	if len(pending) == 0 {
		return
	}

	thunks := make([]dataloader.Thunk[*models.Author], len(pending))
	for i, id := range pending {
		thunks[i] = c.loader.Load(ctx, id)
	}

	for i, thunk := range thunks {
		id := pending[i]
		author, err := thunk()
		if err != nil {
			log.Printf("Не удалось разрешить автора %s: %v", id, err)
			// Сброс закешированной ошибки, чтобы следующий снимок повторил запрос.
			c.loader.Clear(ctx, id)
			continue
		}
		c.mu.Lock()
		c.resolved[id] = author
		c.mu.Unlock()
	}
}

// Get возвращает разрешенного автора, если он уже в кеше.
func (c *Cache) Get(id string) (*models.Author, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	author, ok := c.resolved[id]
	return author, ok
}

// All возвращает копию карты разрешенных авторов для отдачи представлению.
func (c *Cache) All() map[string]*models.Author {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*models.Author, len(c.resolved))
	for id, a := range c.resolved {
		out[id] = a
	}
	return out
}
