package identity

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Provider выдает стабильный псевдоанонимный идентификатор клиента для
// атрибуции реакций. Токен генерируется один раз и сохраняется в файле;
// это не учетные данные и никаких прав не дает.
type Provider struct {
	path  string
	mu    sync.Mutex
	token string
}

func NewProvider(path string) *Provider {
	return &Provider{path: path}
}

// GetOrCreate возвращает сохраненный токен, создавая и сохраняя новый при
// первом вызове. При недоступности файлового хранилища возвращается токен
// на время жизни процесса: атрибуция сбрасывается при перезапуске, но
// вызов никогда не завершается ошибкой.
func (p *Provider) GetOrCreate() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" {
		return p.token
	}

	if data, err := os.ReadFile(p.path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			p.token = token
			return p.token
		}
	}

	p.token = uuid.New().String()
	if err := os.WriteFile(p.path, []byte(p.token+"\n"), 0o600); err != nil {
		log.Printf("Не удалось сохранить идентификатор клиента: %v", err)
	}
	return p.token
}
