package models

import "time"

// Post - документ поста в том виде, в котором он хранится в коллекции.
// Reactions nil означает, что реакции для поста отключены; пустая карта -
// реакции включены, но их нет. Seq назначается хранилищем при вставке и
// используется только для разрешения ничьих при сортировке по CreatedAt.
type Post struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	ImageURL       string            `json:"imageUrl,omitempty"`
	AuthorID       string            `json:"authorId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Seq            int64             `json:"-"`
	Reactions      map[string]string `json:"reactions"`
	ReactionCounts map[string]int64  `json:"reactionCounts,omitempty"`
}

// Author - профиль автора. Badges - множество без порядка и дубликатов.
type Author struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Admin       bool     `json:"isAdmin"`
	Bio         string   `json:"bio,omitempty"`
	Badges      []string `json:"badges"`
}

// PostDraft - данные для создания нового поста.
type PostDraft struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// PostUpdate - частичное обновление: nil-поле не трогается.
type PostUpdate struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}
