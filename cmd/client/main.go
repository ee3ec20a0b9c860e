package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/ButyrinIA/blog/internal/identity"
	"github.com/ButyrinIA/blog/internal/models"
	"github.com/gorilla/websocket"
)

// Терминальный клиент ленты: подключается к живой подписке, печатает
// каждый приходящий снимок и умеет переключать реакцию на пост.

type snapshot struct {
	Posts   []models.Post             `json:"posts"`
	Authors map[string]*models.Author `json:"authors"`
	Error   string                    `json:"error,omitempty"`
}

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "адрес сервера")
	idPath := flag.String("identity", ".blog_client_id", "файл идентификатора клиента")
	react := flag.String("react", "", "переключить реакцию: id-поста:эмодзи")
	flag.Parse()

	clientID := identity.NewProvider(*idPath).GetOrCreate()

	if *react != "" {
		postID, emoji, ok := strings.Cut(*react, ":")
		if !ok {
			log.Fatal("Ожидался формат id-поста:эмодзи")
		}
		toggle(*serverURL, clientID, postID, emoji)
		return
	}

	follow(*serverURL)
}

func toggle(serverURL, clientID, postID, emoji string) {
	url := fmt.Sprintf("%s/posts/%s/reactions/toggle", serverURL, postID)
	body := strings.NewReader(fmt.Sprintf(`{"emoji":%q}`, emoji))
	req, err := http.NewRequest("POST", url, body)
	if err != nil {
		log.Fatalf("Не удалось собрать запрос: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", clientID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Не удалось отправить реакцию: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		log.Fatalf("Сервер ответил %s", resp.Status)
	}
}

func follow(serverURL string) {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("Не удалось подключиться к %s: %v", wsURL, err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.Close()
	}()

	for {
		var snap snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			log.Printf("Подписка закрыта: %v", err)
			return
		}
		if snap.Error != "" {
			// Последний удачный снимок остается на экране.
			log.Printf("Ошибка доставки: %s", snap.Error)
			continue
		}
		printSnapshot(snap)
	}
}

func printSnapshot(snap snapshot) {
	fmt.Printf("--- %d постов ---\n", len(snap.Posts))
	for _, p := range snap.Posts {
		author := p.AuthorID
		if a, ok := snap.Authors[p.AuthorID]; ok {
			author = a.DisplayName
		}
		if author == "" {
			author = "аноним"
		}
		fmt.Printf("%s  %s  (%s)\n", p.CreatedAt.Format("2006-01-02 15:04"), p.Title, author)
		if p.Reactions != nil && len(p.Reactions) > 0 {
			counts := make(map[string]int)
			for _, emoji := range p.Reactions {
				counts[emoji]++
			}
			for emoji, n := range counts {
				fmt.Printf("  %s %d", emoji, n)
			}
			fmt.Println()
		}
	}
}
