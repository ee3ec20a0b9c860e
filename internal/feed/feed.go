package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ButyrinIA/blog/internal/auth"
	"github.com/ButyrinIA/blog/internal/models"
	"github.com/ButyrinIA/blog/internal/storage"
	"github.com/google/uuid"
)

// ErrInvalidArgument возвращается при пустых обязательных полях черновика.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrWatchClosed сообщает подписчику, что транспорт уведомлений об
// изменениях оборвался и новых снимков не будет.
var ErrWatchClosed = errors.New("watch channel closed")

// Synchronizer поддерживает локальную материализованную ленту постов в
// согласии с хранилищем. Каждое изменение коллекции доставляет подписчику
// полный, заново отсортированный снимок - не дифф. Локальное состояние
// заменяется целиком, без слияний и патчей.
type Synchronizer struct {
	storage storage.Storage
}

func New(store storage.Storage) *Synchronizer {
	return &Synchronizer{storage: store}
}

// Subscription - активная подписка на ленту. После возврата из Cancel ни
// один из колбеков больше не вызывается.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Subscribe открывает живую подписку на всю коллекцию постов. onUpdate
// получает полный снимок при каждом изменении; onError получает ошибки
// доставки, при этом последний удачный снимок остается в силе - лента
// никогда не очищается из-за временного сбоя. Доставка последовательная:
// оба колбека вызываются из одной горутины.
func (s *Synchronizer) Subscribe(ctx context.Context, onUpdate func([]models.Post), onError func(error)) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	changes, err := s.storage.Watch(subCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch posts: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		// Первый снимок сразу после подписки.
		s.deliver(subCtx, onUpdate, onError)

		for {
			select {
			case <-subCtx.Done():
				return
			case _, open := <-changes:
				if !open {
					// Канал уведомлений умер при живой подписке: снимки
					// больше не придут. Последний снимок остается в силе,
					// но подписчик должен узнать об обрыве.
					if subCtx.Err() == nil {
						log.Printf("Канал уведомлений об изменениях закрыт: %v", ErrWatchClosed)
						onError(ErrWatchClosed)
					}
					return
				}
				if subCtx.Err() != nil {
					return
				}
				s.deliver(subCtx, onUpdate, onError)
			}
		}
	}()

	return &Subscription{cancel: cancel, done: done}, nil
}

func (s *Synchronizer) deliver(ctx context.Context, onUpdate func([]models.Post), onError func(error)) {
	posts, err := s.storage.ListPosts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Не удалось загрузить снимок постов: %v", err)
			onError(fmt.Errorf("failed to load posts: %w", err))
		}
		return
	}
	if ctx.Err() == nil {
		onUpdate(posts)
	}
}

// CreatePost создает пост от имени principal. Реакции инициализируются
// пустой картой, а не nil: отсутствие значения неотличимо от сентинела
// "реакции отключены".
func (s *Synchronizer) CreatePost(ctx context.Context, principal *auth.Principal, draft models.PostDraft) (string, error) {
	if principal == nil {
		return "", auth.ErrUnauthorized
	}

	title := strings.TrimSpace(draft.Title)
	content := strings.TrimSpace(draft.Content)
	if title == "" {
		return "", fmt.Errorf("%w: пустой заголовок", ErrInvalidArgument)
	}
	if content == "" {
		return "", fmt.Errorf("%w: пустое содержимое", ErrInvalidArgument)
	}

	post := &models.Post{
		ID:        uuid.New().String(),
		Title:     title,
		Content:   content,
		ImageURL:  strings.TrimSpace(draft.ImageURL),
		AuthorID:  principal.Email,
		CreatedAt: time.Now().UTC(),
		Reactions: map[string]string{},
	}
	if err := s.storage.CreatePost(ctx, post); err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	return post.ID, nil
}

// UpdatePost применяет только заполненные поля обновления.
func (s *Synchronizer) UpdatePost(ctx context.Context, principal *auth.Principal, id string, upd models.PostUpdate) error {
	if principal == nil {
		return auth.ErrUnauthorized
	}
	if err := s.storage.UpdatePost(ctx, id, upd); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update post: %w", err)
	}
	return nil
}

// DeletePost идемпотентен: удаление уже отсутствующего id - успех, локальная
// лента и так отразит его отсутствие со следующим снимком.
func (s *Synchronizer) DeletePost(ctx context.Context, principal *auth.Principal, id string) error {
	if principal == nil {
		return auth.ErrUnauthorized
	}
	if err := s.storage.DeletePost(ctx, id); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

// DeleteAuthorPosts удаляет все посты автора. Служебная операция для
// удаления учетной записи; использует выборку по равенству authorId.
func (s *Synchronizer) DeleteAuthorPosts(ctx context.Context, principal *auth.Principal, authorID string) error {
	if principal == nil {
		return auth.ErrUnauthorized
	}
	posts, err := s.storage.ListPostsByAuthor(ctx, authorID)
	if err != nil {
		return fmt.Errorf("failed to list author posts: %w", err)
	}
	for _, p := range posts {
		if err := s.storage.DeletePost(ctx, p.ID); err != nil {
			return fmt.Errorf("failed to delete post %s: %w", p.ID, err)
		}
	}
	return nil
}
