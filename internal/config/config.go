package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Sqlite   SqliteConfig   `yaml:"sqlite"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
}

type ServerConfig struct {
	Port string `yaml:"port" env:"BLOG_SERVER_PORT"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"BLOG_POSTGRES_DSN"`
}

type SqliteConfig struct {
	Path string `yaml:"path" env:"BLOG_SQLITE_PATH"`
}

type AuthConfig struct {
	Secret string  `yaml:"secret" env:"BLOG_AUTH_SECRET"`
	Admins []Admin `yaml:"admins"`
}

// Admin - запись списка допуска: email редактора и bcrypt-хеш пароля.
type Admin struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

type IdentityConfig struct {
	Path string `yaml:"path" env:"BLOG_IDENTITY_PATH"`
}

// Load читает конфигурацию: значения по умолчанию, затем yaml-файл,
// затем переменные окружения поверх. Отсутствующий файл не ошибка.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:   ServerConfig{Port: "8080"},
		Sqlite:   SqliteConfig{Path: "blog.db"},
		Identity: IdentityConfig{Path: ".blog_client_id"},
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	return cfg, nil
}
