package reactions

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ButyrinIA/blog/internal/auth"
	"github.com/ButyrinIA/blog/internal/storage"
)

// Policy - представление реакций. Для одной записи представления никогда
// не смешиваются.
type Policy int

const (
	// PolicyIdentityMap - каноническое представление: клиент -> один эмодзи.
	// Повторный выбор того же эмодзи снимает реакцию, другого - заменяет.
	PolicyIdentityMap Policy = iota
	// PolicyCounter - альтернативное представление: эмодзи -> счетчик,
	// без дедупликации по клиентам.
	PolicyCounter
)

// Coordinator применяет реакции к постам, сверяя оптимистичное намерение
// клиента с авторитетным состоянием хранилища.
type Coordinator struct {
	storage storage.Storage
	policy  Policy
}

func New(store storage.Storage, policy Policy) *Coordinator {
	return &Coordinator{storage: store, policy: policy}
}

// Toggle переключает реакцию клиента identity на посте (политика карты
// клиентов). Карта читается свежей из хранилища, не из локального снимка,
// чтобы не наслаивать переключение на устаревшие данные. Записывается
// только поле реакций: гонка с параллельной правкой заголовка не теряет
// ни ту, ни другую запись.
//
// Временные сбои хранилища проглатываются: неудавшаяся реакция не должна
// прерывать просмотр, следующий снимок подписки сам выровняет состояние.
// NotFound возвращается - это не сбой транспорта, а отсутствие цели.
func (c *Coordinator) Toggle(ctx context.Context, identity, postID, emoji string) error {
	post, err := c.storage.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		log.Printf("Не удалось прочитать реакции поста %s: %v", postID, err)
		return nil
	}

	// nil - реакции для поста отключены; для зрителя переключение - no-op.
	if post.Reactions == nil {
		return nil
	}

	updated := make(map[string]string, len(post.Reactions))
	for k, v := range post.Reactions {
		updated[k] = v
	}
	if updated[identity] == emoji {
		delete(updated, identity)
	} else {
		// Не больше одной активной реакции на клиента: перезапись
		// единственного ключа.
		updated[identity] = emoji
	}

	if err := c.storage.SetReactions(ctx, postID, updated); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		log.Printf("Не удалось записать реакции поста %s: %v", postID, err)
	}
	return nil
}

// Add увеличивает счетчик эмодзи на 1 (политика счетчиков). Инкремент
// атомарный на стороне хранилища, без чтения-изменения-записи на клиенте.
// В отличие от Toggle, ошибки здесь возвращаются вызывающему.
func (c *Coordinator) Add(ctx context.Context, postID, emoji string) error {
	if err := c.storage.IncrementReaction(ctx, postID, emoji); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

// SetEnabled включает или выключает реакции поста. Выключение записывает
// nil-сентинел, включение - пустой контейнер активной политики. Операция
// разрушительная: прежние реакции не архивируются, повторное включение
// начинает с чистого листа.
func (c *Coordinator) SetEnabled(ctx context.Context, principal *auth.Principal, postID string, enabled bool) error {
	if principal == nil {
		return auth.ErrUnauthorized
	}

	var err error
	switch c.policy {
	case PolicyCounter:
		if enabled {
			err = c.storage.SetReactionCounts(ctx, postID, map[string]int64{})
		} else {
			err = c.storage.SetReactionCounts(ctx, postID, nil)
		}
	default:
		if enabled {
			err = c.storage.SetReactions(ctx, postID, map[string]string{})
		} else {
			err = c.storage.SetReactions(ctx, postID, nil)
		}
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to set reactions enabled: %w", err)
	}
	return nil
}
