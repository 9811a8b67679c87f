package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/onexay/diagram-share/internal/storage"
)

// Provider enumerates supported share backends.
type Provider string

const (
	// ProviderAuto picks GitLab when it is fully configured, GitHub otherwise.
	ProviderAuto Provider = "auto"
	// ProviderGitHub stores shares as secret gists.
	ProviderGitHub Provider = "github"
	// ProviderGitLab stores shares as directories of a GitLab repository.
	ProviderGitLab Provider = "gitlab"
	// ProviderGit stores shares in a local git repository.
	ProviderGit Provider = "git"
	// ProviderKeyDB persists snapshots to KeyDB/Redis.
	ProviderKeyDB Provider = "keydb"
	// ProviderPostgres persists snapshots to PostgreSQL.
	ProviderPostgres Provider = "postgres"
	// ProviderMemory keeps data in-process.
	ProviderMemory Provider = "memory"
)

// Config aggregates runtime configuration.
type Config struct {
	APIAddr     string
	ClientURLs  []string
	Dev         bool
	Provider    Provider
	GitHub      storage.GitHubConfig
	GitLab      storage.GitLabConfig
	Git         storage.GitConfig
	KeyDB       storage.Config
	DatabaseURL string
	Retention   RetentionConfig
	History     HistoryConfig
	// AllowedFiles holds doublestar patterns a filename must match.
	AllowedFiles []string
	Log          LogConfig
}

// RetentionConfig holds defaults for snapshot archival.
type RetentionConfig struct {
	ArchivePath      string
	HotRevisionLimit int
	HotDuration      time.Duration
}

// HistoryConfig tunes the changed-revision listing.
type HistoryConfig struct {
	DefaultLimit int
	MaxLimit     int
	MinBatch     int
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables, after applying an
// optional .env file from the working directory.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		APIAddr:    listenAddr(),
		ClientURLs: envList("CLIENT_URLS"),
		Dev:        envBool("DEV", false),
		GitHub: storage.GitHubConfig{
			Token:   os.Getenv("GITHUB_TOKEN"),
			BaseURL: os.Getenv("GITHUB_API_URL"),
		},
		GitLab: storage.GitLabConfig{
			BaseURL:    os.Getenv("GITLAB_BASE_URL"),
			Token:      os.Getenv("GITLAB_TOKEN"),
			ProjectID:  os.Getenv("GITLAB_PROJECT_ID"),
			Ref:        envDefault("GITLAB_REF", "main"),
			PathPrefix: envDefault("GITLAB_SHARES_PATH_PREFIX", "shares"),
		},
		Git: storage.GitConfig{
			Path:   envDefault("GIT_REPO_PATH", "data/shares.git"),
			Branch: envDefault("GIT_BRANCH", "main"),
		},
		KeyDB: storage.Config{
			Addr:     os.Getenv("KEYDB_ADDR"),
			Username: os.Getenv("KEYDB_USERNAME"),
			Password: os.Getenv("KEYDB_PASSWORD"),
			Database: envInt("KEYDB_DB", 0),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Retention: RetentionConfig{
			ArchivePath:      envDefault("RETENTION_ARCHIVE_PATH", "data/archive.db"),
			HotRevisionLimit: envInt("RETENTION_HOT_REVISION_LIMIT", 0),
			HotDuration:      envDuration("RETENTION_HOT_DURATION", 0),
		},
		History: HistoryConfig{
			DefaultLimit: envInt("HISTORY_DEFAULT_LIMIT", 10),
			MaxLimit:     envInt("HISTORY_MAX_LIMIT", 100),
			MinBatch:     envInt("HISTORY_MIN_BATCH", 50),
		},
		AllowedFiles: envList("SHARE_ALLOWED_FILES"),
		Log: LogConfig{
			Level:  strings.ToLower(envDefault("LOG_LEVEL", "info")),
			Format: strings.ToLower(envDefault("LOG_FORMAT", "json")),
		},
	}
	cfg.Provider = cfg.resolveProvider(envDefault("SHARE_PROVIDER", string(ProviderAuto)))
	return cfg
}

func (c Config) resolveProvider(raw string) Provider {
	switch p := strings.ToLower(strings.TrimSpace(raw)); p {
	case "gitlab", "gitlab_repo", "gitlab-repo":
		return ProviderGitLab
	case "github", "github_gist", "gist":
		return ProviderGitHub
	case string(ProviderGit), string(ProviderKeyDB), string(ProviderPostgres), string(ProviderMemory):
		return Provider(p)
	}
	if c.GitLab.BaseURL != "" && c.GitLab.Token != "" && c.GitLab.ProjectID != "" {
		return ProviderGitLab
	}
	return ProviderGitHub
}

func listenAddr() string {
	if addr := os.Getenv("API_ADDR"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":5000"
}

func envDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
