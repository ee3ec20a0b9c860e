package storage

import (
	"context"
	"errors"

	"github.com/ButyrinIA/blog/internal/models"
)

// ErrNotFound возвращается, когда целевой документ отсутствует в хранилище.
var ErrNotFound = errors.New("post not found")

// Storage - граница удаленного хранилища документов. Хранилище - единственный
// источник истины; локальное состояние - одноразовая проекция.
type Storage interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	// ListPosts возвращает полный снимок коллекции, отсортированный по
	// CreatedAt по убыванию; ничьи - по порядку вставки в хранилище.
	ListPosts(ctx context.Context) ([]models.Post, error)
	// UpdatePost применяет только заполненные поля. ErrNotFound, если id нет.
	UpdatePost(ctx context.Context, id string, upd models.PostUpdate) error
	// DeletePost идемпотентен: удаление несуществующего id не ошибка.
	DeletePost(ctx context.Context, id string) error
	// ListPostsByAuthor - выборка по равенству authorId.
	ListPostsByAuthor(ctx context.Context, authorID string) ([]models.Post, error)

	// SetReactions записывает только поле реакций, не трогая остальной
	// документ. nil - сентинел "реакции отключены".
	SetReactions(ctx context.Context, id string, reactions map[string]string) error
	// IncrementReaction атомарно увеличивает счетчик эмодзи на 1 на стороне
	// хранилища. Для отключенных реакций (nil) - no-op.
	IncrementReaction(ctx context.Context, id string, emoji string) error
	// SetReactionCounts записывает только поле счетчиков. nil - отключено.
	SetReactionCounts(ctx context.Context, id string, counts map[string]int64) error

	GetAuthor(ctx context.Context, id string) (*models.Author, error)
	SaveAuthor(ctx context.Context, author *models.Author) error

	// Watch возвращает канал, в который приходит сигнал после каждого
	// изменения коллекции постов. Сигналы сливаются (канал с буфером 1).
	// Канал закрывается при отмене контекста.
	Watch(ctx context.Context) (<-chan struct{}, error)

	Close() error
}
