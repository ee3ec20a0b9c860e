package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/ButyrinIA/blog/internal/models"
	"github.com/ButyrinIA/blog/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const changeChannel = "posts_changed"

type PostgresStorage struct {
	pool *pgxpool.Pool
	dsn  string
}

func New(dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	_, err = pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL,
			reactions JSONB,
			reaction_counts JSONB
		);
		CREATE TABLE IF NOT EXISTS authors (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			bio TEXT NOT NULL DEFAULT '',
			badges JSONB NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_posts_author_id ON posts(author_id);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC, seq DESC);

		CREATE OR REPLACE FUNCTION notify_posts_changed() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('posts_changed', '');
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS posts_changed ON posts;
		CREATE TRIGGER posts_changed
			AFTER INSERT OR UPDATE OR DELETE ON posts
			FOR EACH STATEMENT EXECUTE FUNCTION notify_posts_changed();
	`)

	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &PostgresStorage{pool: pool, dsn: dsn}, nil
}

func (s *PostgresStorage) CreatePost(ctx context.Context, post *models.Post) error {
	reactions, err := jsonbArg(post.Reactions == nil, post.Reactions)
	if err != nil {
		return err
	}
	counts, err := jsonbArg(post.ReactionCounts == nil, post.ReactionCounts)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO posts (id, title, content, image_url, author_id, created_at, reactions, reaction_counts)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb)
		RETURNING seq`,
		post.ID, post.Title, post.Content, post.ImageURL, post.AuthorID, post.CreatedAt, reactions, counts,
	).Scan(&post.Seq)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetPost(ctx context.Context, id string) (*models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, content, image_url, author_id, created_at, seq, reactions, reaction_counts
		FROM posts
		WHERE id=$1`, id)

	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return post, nil
}

func (s *PostgresStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, content, image_url, author_id, created_at, seq, reactions, reaction_counts
		FROM posts
		ORDER BY created_at DESC, seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	return collectPosts(rows)
}

func (s *PostgresStorage) ListPostsByAuthor(ctx context.Context, authorID string) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, content, image_url, author_id, created_at, seq, reactions, reaction_counts
		FROM posts
		WHERE author_id=$1
		ORDER BY created_at DESC, seq DESC`, authorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts by author: %w", err)
	}
	defer rows.Close()

	return collectPosts(rows)
}

func (s *PostgresStorage) UpdatePost(ctx context.Context, id string, upd models.PostUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET title=COALESCE($2, title),
		    content=COALESCE($3, content),
		    image_url=COALESCE($4, image_url)
		WHERE id=$1`,
		id, upd.Title, upd.Content, upd.ImageURL)
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) DeletePost(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SetReactions(ctx context.Context, id string, reactions map[string]string) error {
	arg, err := jsonbArg(reactions == nil, reactions)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE posts SET reactions=$2::jsonb WHERE id=$1`, id, arg)
	if err != nil {
		return fmt.Errorf("failed to set reactions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) IncrementReaction(ctx context.Context, id string, emoji string) error {
	// Инкремент выполняется целиком на стороне БД, без чтения-изменения-записи
	// на клиенте. NULL (реакции отключены) остается NULL.
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET reaction_counts = CASE
			WHEN reaction_counts IS NULL THEN NULL
			ELSE jsonb_set(reaction_counts, ARRAY[$2],
				to_jsonb(COALESCE((reaction_counts->>$2)::bigint, 0) + 1))
		END
		WHERE id=$1`, id, emoji)
	if err != nil {
		return fmt.Errorf("failed to increment reaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) SetReactionCounts(ctx context.Context, id string, counts map[string]int64) error {
	arg, err := jsonbArg(counts == nil, counts)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE posts SET reaction_counts=$2::jsonb WHERE id=$1`, id, arg)
	if err != nil {
		return fmt.Errorf("failed to set reaction counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) GetAuthor(ctx context.Context, id string) (*models.Author, error) {
	var a models.Author
	var badges []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, avatar_url, is_admin, bio, badges
		FROM authors
		WHERE id=$1`, id).Scan(&a.ID, &a.DisplayName, &a.AvatarURL, &a.Admin, &a.Bio, &badges)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get author: %w", err)
	}
	if err := json.Unmarshal(badges, &a.Badges); err != nil {
		return nil, fmt.Errorf("failed to decode badges: %w", err)
	}
	return &a, nil
}

func (s *PostgresStorage) SaveAuthor(ctx context.Context, author *models.Author) error {
	badges, err := json.Marshal(dedupBadges(author.Badges))
	if err != nil {
		return fmt.Errorf("failed to encode badges: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO authors (id, display_name, avatar_url, is_admin, bio, badges)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (id) DO UPDATE
		SET display_name=EXCLUDED.display_name,
		    avatar_url=EXCLUDED.avatar_url,
		    is_admin=EXCLUDED.is_admin,
		    bio=EXCLUDED.bio,
		    badges=EXCLUDED.badges`,
		author.ID, author.DisplayName, author.AvatarURL, author.Admin, author.Bio, string(badges))
	if err != nil {
		return fmt.Errorf("failed to save author: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Watch(ctx context.Context) (<-chan struct{}, error) {
	// Выделенное соединение под LISTEN: пул для этого не подходит,
	// соединение занято ожиданием уведомлений.
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer conn.Close(context.Background())
		for {
			if _, err := conn.WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					log.Printf("Ошибка ожидания уведомления postgres: %v", err)
				}
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	return ch, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	var reactions, counts []byte
	err := row.Scan(&p.ID, &p.Title, &p.Content, &p.ImageURL, &p.AuthorID, &p.CreatedAt, &p.Seq, &reactions, &counts)
	if err != nil {
		return nil, err
	}
	if reactions != nil {
		if err := json.Unmarshal(reactions, &p.Reactions); err != nil {
			return nil, fmt.Errorf("failed to decode reactions: %w", err)
		}
		if p.Reactions == nil {
			p.Reactions = map[string]string{}
		}
	}
	if counts != nil {
		if err := json.Unmarshal(counts, &p.ReactionCounts); err != nil {
			return nil, fmt.Errorf("failed to decode reaction counts: %w", err)
		}
		if p.ReactionCounts == nil {
			p.ReactionCounts = map[string]int64{}
		}
	}
	return &p, nil
}

func collectPosts(rows pgx.Rows) ([]models.Post, error) {
	var posts []models.Post
	for rows.Next() {
		p, err := scanPost(rows)
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

// jsonbArg сериализует значение для записи в jsonb-колонку. nil на входе
// превращается в SQL NULL (сентинел "реакции отключены").
func jsonbArg(isNil bool, v any) (*string, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb value: %w", err)
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
