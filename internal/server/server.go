package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ButyrinIA/blog/internal/auth"
	"github.com/ButyrinIA/blog/internal/authors"
	"github.com/ButyrinIA/blog/internal/config"
	"github.com/ButyrinIA/blog/internal/feed"
	"github.com/ButyrinIA/blog/internal/models"
	"github.com/ButyrinIA/blog/internal/reactions"
	"github.com/ButyrinIA/blog/internal/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const clientCookie = "blog_client_id"

type Server struct {
	cfg       *config.Config
	storage   storage.Storage
	guard     *auth.Guard
	syncer    *feed.Synchronizer
	coord     *reactions.Coordinator
	authors   *authors.Cache
	upgrader  websocket.Upgrader
	handler   http.Handler
}

func New(cfg *config.Config, store storage.Storage) *Server {
	s := &Server{
		cfg:     cfg,
		storage: store,
		guard:   auth.NewGuard(cfg.Auth),
		syncer:  feed.New(store),
		coord:   reactions.New(store, reactions.PolicyIdentityMap),
		authors: authors.New(store),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("PUT /profile", s.handleSaveProfile)
	mux.HandleFunc("GET /posts", s.handleListPosts)
	mux.HandleFunc("POST /posts", s.handleCreatePost)
	mux.HandleFunc("PATCH /posts/{id}", s.handleUpdatePost)
	mux.HandleFunc("DELETE /posts/{id}", s.handleDeletePost)
	mux.HandleFunc("POST /posts/{id}/reactions/toggle", s.handleToggleReaction)
	mux.HandleFunc("POST /posts/{id}/reactions", s.handleAddReaction)
	mux.HandleFunc("PUT /posts/{id}/reactions/enabled", s.handleSetReactionsEnabled)
	mux.HandleFunc("DELETE /authors/{id}/posts", s.handleDeleteAuthorPosts)
	mux.HandleFunc("GET /ws", s.handleSubscribe)
	s.handler = mux

	return s
}

func (s *Server) Run() error {
	log.Printf("Сервер слушает порт %s", s.cfg.Server.Port)
	return http.ListenAndServe(":"+s.cfg.Server.Port, s.handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// principal извлекает аутентифицированного редактора из заголовка
// Authorization. nil - анонимный зритель.
func (s *Server) principal(r *http.Request) *auth.Principal {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil
	}
	principal, err := s.guard.ValidateToken(header[len(prefix):])
	if err != nil {
		return nil
	}
	return principal
}

// clientID возвращает идентификатор клиента для атрибуции реакций:
// cookie, затем заголовок, иначе выдается новый и ставится cookie.
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(clientCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if id := r.Header.Get("X-Client-Id"); id != "" {
		return id
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookie,
		Value:    id,
		Path:     "/",
		Expires:  time.Now().Add(365 * 24 * time.Hour),
		HttpOnly: true,
	})
	return id
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := s.guard.Login(req.Email, req.Password)
	if err != nil {
		// Проверка списка допуска выполняется здесь, один раз за сессию.
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Профиль автора заводится при первом входе.
	if _, err := s.storage.GetAuthor(r.Context(), req.Email); errors.Is(err, storage.ErrNotFound) {
		author := &models.Author{ID: req.Email, DisplayName: req.Email, Admin: true, Badges: []string{}}
		if err := s.storage.SaveAuthor(r.Context(), author); err != nil {
			log.Printf("Не удалось создать профиль автора %s: %v", req.Email, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var author models.Author
	if err := json.NewDecoder(r.Body).Decode(&author); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	author.ID = principal.Email

	if err := s.storage.SaveAuthor(r.Context(), &author); err != nil {
		http.Error(w, "failed to save profile", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// snapshotResponse - снимок ленты вместе с разрешенными авторами.
// Неразрешенные авторы в карте отсутствуют: представление показывает
// нейтральную заглушку.
type snapshotResponse struct {
	Posts   []models.Post             `json:"posts"`
	Authors map[string]*models.Author `json:"authors"`
	Error   string                    `json:"error,omitempty"`
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.storage.ListPosts(r.Context())
	if err != nil {
		http.Error(w, "failed to load posts", http.StatusInternalServerError)
		return
	}
	s.authors.Resolve(r.Context(), posts)
	if posts == nil {
		posts = []models.Post{}
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Posts: posts, Authors: s.authors.All()})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var draft models.PostDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.syncer.CreatePost(r.Context(), s.principal(r), draft)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var upd models.PostUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.syncer.UpdatePost(r.Context(), s.principal(r), r.PathValue("id"), upd); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.DeletePost(r.Context(), s.principal(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	clientID := s.clientID(w, r)
	if err := s.coord.Toggle(r.Context(), clientID, r.PathValue("id"), req.Emoji); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.coord.Add(r.Context(), r.PathValue("id"), req.Emoji); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reactionsEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetReactionsEnabled(w http.ResponseWriter, r *http.Request) {
	var req reactionsEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.coord.SetEnabled(r.Context(), s.principal(r), r.PathValue("id"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAuthorPosts(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.DeleteAuthorPosts(r.Context(), s.principal(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribe - живая подписка: каждое изменение коллекции шлет клиенту
// полный снимок. Сбой загрузки шлет сообщение об ошибке, лента на клиенте
// остается прежней.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Не удалось открыть websocket: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	// Колбеки вызываются последовательно из одной горутины доставки,
	// поэтому записи в сокет не пересекаются.
	sub, err := s.syncer.Subscribe(ctx,
		func(posts []models.Post) {
			s.authors.Resolve(ctx, posts)
			if posts == nil {
				posts = []models.Post{}
			}
			msg := snapshotResponse{Posts: posts, Authors: s.authors.All()}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("Не удалось отправить снимок: %v", err)
			}
		},
		func(err error) {
			msg := snapshotResponse{Error: "failed to load posts"}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("Не удалось отправить ошибку подписки: %v", err)
			}
		},
	)
	if err != nil {
		log.Printf("Не удалось открыть подписку: %v", err)
		return
	}
	defer sub.Cancel()

	// Чтение только ради обнаружения закрытия соединения клиентом.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Не удалось записать ответ: %v", err)
	}
}

// writeError отображает ошибки доменных пакетов на статусы HTTP.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, feed.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "post not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
