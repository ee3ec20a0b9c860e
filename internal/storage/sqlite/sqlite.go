package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ButyrinIA/blog/internal/models"
	"github.com/ButyrinIA/blog/internal/storage"
	_ "github.com/mattn/go-sqlite3" // драйвер SQLite
)

type SqliteStorage struct {
	db       *sql.DB
	watchers map[chan struct{}]struct{}
	mu       sync.Mutex
}

func New(path string) (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			seq INTEGER NOT NULL,
			reactions TEXT,
			reaction_counts TEXT
		);
		CREATE TABLE IF NOT EXISTS authors (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			is_admin INTEGER NOT NULL DEFAULT 0,
			bio TEXT NOT NULL DEFAULT '',
			badges TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_posts_author_id ON posts(author_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SqliteStorage{
		db:       db,
		watchers: make(map[chan struct{}]struct{}),
	}, nil
}

func (s *SqliteStorage) CreatePost(ctx context.Context, post *models.Post) error {
	reactions, err := jsonArg(post.Reactions == nil, post.Reactions)
	if err != nil {
		return err
	}
	counts, err := jsonArg(post.ReactionCounts == nil, post.ReactionCounts)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// Порядок вставки назначается хранилищем.
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM posts`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to assign seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (id, title, content, image_url, author_id, created_at, seq, reactions, reaction_counts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.Title, post.Content, post.ImageURL, post.AuthorID, post.CreatedAt, seq, reactions, counts)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	post.Seq = seq

	s.notify()
	return nil
}

func (s *SqliteStorage) GetPost(ctx context.Context, id string) (*models.Post, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, image_url, author_id, created_at, seq, reactions, reaction_counts
		FROM posts
		WHERE id=?`, id)

	post, err := scanPost(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return post, nil
}

func (s *SqliteStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	return s.queryPosts(ctx, `
		SELECT id, title, content, image_url, author_id, created_at, seq, reactions, reaction_counts
		FROM posts
		ORDER BY created_at DESC, seq DESC`)
}

func (s *SqliteStorage) ListPostsByAuthor(ctx context.Context, authorID string) ([]models.Post, error) {
	return s.queryPosts(ctx, `
		SELECT id, title, content, image_url, author_id, created_at, seq, reactions, reaction_counts
		FROM posts
		WHERE author_id=?
		ORDER BY created_at DESC, seq DESC`, authorID)
}

func (s *SqliteStorage) queryPosts(ctx context.Context, query string, args ...any) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		p, err := scanPost(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read posts: %w", err)
	}
	return posts, nil
}

func (s *SqliteStorage) UpdatePost(ctx context.Context, id string, upd models.PostUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET title=COALESCE(?, title),
		    content=COALESCE(?, content),
		    image_url=COALESCE(?, image_url)
		WHERE id=?`,
		upd.Title, upd.Content, upd.ImageURL, id)
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	s.notify()
	return nil
}

func (s *SqliteStorage) DeletePost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify()
	}
	return nil
}

func (s *SqliteStorage) SetReactions(ctx context.Context, id string, reactions map[string]string) error {
	arg, err := jsonArg(reactions == nil, reactions)
	if err != nil {
		return err
	}
	return s.setField(ctx, `UPDATE posts SET reactions=? WHERE id=?`, arg, id)
}

func (s *SqliteStorage) SetReactionCounts(ctx context.Context, id string, counts map[string]int64) error {
	arg, err := jsonArg(counts == nil, counts)
	if err != nil {
		return err
	}
	return s.setField(ctx, `UPDATE posts SET reaction_counts=? WHERE id=?`, arg, id)
}

func (s *SqliteStorage) setField(ctx context.Context, query string, arg *string, id string) error {
	res, err := s.db.ExecContext(ctx, query, arg, id)
	if err != nil {
		return fmt.Errorf("failed to set reaction field: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set reaction field: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	s.notify()
	return nil
}

func (s *SqliteStorage) IncrementReaction(ctx context.Context, id string, emoji string) error {
	// Атомарность обеспечивает транзакция: SQLite сериализует писателей.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT reaction_counts FROM posts WHERE id=?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read reaction counts: %w", err)
	}
	// NULL - реакции отключены, инкремент их не воскрешает.
	if !raw.Valid {
		return nil
	}

	counts := map[string]int64{}
	if err := json.Unmarshal([]byte(raw.String), &counts); err != nil {
		return fmt.Errorf("failed to decode reaction counts: %w", err)
	}
	counts[emoji]++
	encoded, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to encode reaction counts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE posts SET reaction_counts=? WHERE id=?`, string(encoded), id); err != nil {
		return fmt.Errorf("failed to increment reaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.notify()
	return nil
}

func (s *SqliteStorage) GetAuthor(ctx context.Context, id string) (*models.Author, error) {
	var a models.Author
	var badges string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_url, is_admin, bio, badges
		FROM authors
		WHERE id=?`, id).Scan(&a.ID, &a.DisplayName, &a.AvatarURL, &a.Admin, &a.Bio, &badges)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get author: %w", err)
	}
	if err := json.Unmarshal([]byte(badges), &a.Badges); err != nil {
		return nil, fmt.Errorf("failed to decode badges: %w", err)
	}
	return &a, nil
}

func (s *SqliteStorage) SaveAuthor(ctx context.Context, author *models.Author) error {
	badges, err := json.Marshal(dedupBadges(author.Badges))
	if err != nil {
		return fmt.Errorf("failed to encode badges: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authors (id, display_name, avatar_url, is_admin, bio, badges)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET display_name=excluded.display_name,
		    avatar_url=excluded.avatar_url,
		    is_admin=excluded.is_admin,
		    bio=excluded.bio,
		    badges=excluded.badges`,
		author.ID, author.DisplayName, author.AvatarURL, author.Admin, author.Bio, string(badges))
	if err != nil {
		return fmt.Errorf("failed to save author: %w", err)
	}
	return nil
}

// Watch для встраиваемой БД: все изменения проходят через этот процесс,
// поэтому уведомления внутрипроцессные, как в memory-хранилище.
func (s *SqliteStorage) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	// Канал закрывает тот, кто первым снял его с учета: либо эта
	// горутина, либо Close.
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

func (s *SqliteStorage) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *SqliteStorage) Close() error {
	s.mu.Lock()
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan struct{}]struct{})
	s.mu.Unlock()
	return s.db.Close()
}

func scanPost(scan func(...any) error) (*models.Post, error) {
	var p models.Post
	var reactions, counts sql.NullString
	err := scan(&p.ID, &p.Title, &p.Content, &p.ImageURL, &p.AuthorID, &p.CreatedAt, &p.Seq, &reactions, &counts)
	if err != nil {
		return nil, err
	}
	if reactions.Valid {
		p.Reactions = map[string]string{}
		if err := json.Unmarshal([]byte(reactions.String), &p.Reactions); err != nil {
			return nil, fmt.Errorf("failed to decode reactions: %w", err)
		}
	}
	if counts.Valid {
		p.ReactionCounts = map[string]int64{}
		if err := json.Unmarshal([]byte(counts.String), &p.ReactionCounts); err != nil {
			return nil, fmt.Errorf("failed to decode reaction counts: %w", err)
		}
	}
	return &p, nil
}

func jsonArg(isNil bool, v any) (*string, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json value: %w", err)
	}
	s := string(b)
	return &s, nil
}

func dedupBadges(badges []string) []string {
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
