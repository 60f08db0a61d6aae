package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("askdash-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Guard.DefaultLimit != 500 {
		t.Fatalf("Guard.DefaultLimit = %d", cfg.Guard.DefaultLimit)
	}
	if cfg.Guard.MaxLimit != 2000 {
		t.Fatalf("Guard.MaxLimit = %d", cfg.Guard.MaxLimit)
	}
	if cfg.Conversation.HistoryWindow != 10 {
		t.Fatalf("Conversation.HistoryWindow = %d", cfg.Conversation.HistoryWindow)
	}
	if cfg.Conversation.DateColumn != "created_at" {
		t.Fatalf("Conversation.DateColumn = %q", cfg.Conversation.DateColumn)
	}
	if cfg.Warehouse.MaxOpenConns != 20 {
		t.Fatalf("Warehouse.MaxOpenConns = %d", cfg.Warehouse.MaxOpenConns)
	}
	if cfg.Warehouse.QueryTimeout != 15*time.Second {
		t.Fatalf("Warehouse.QueryTimeout = %s", cfg.Warehouse.QueryTimeout)
	}
	if cfg.AI.GenerateEnabled {
		t.Fatal("AI.GenerateEnabled should default to false")
	}
	if cfg.AI.Model != "gpt-5" {
		t.Fatalf("AI.Model = %q", cfg.AI.Model)
	}
	if cfg.Archive.Endpoint != "localhost:9000" {
		t.Fatalf("Archive.Endpoint = %q", cfg.Archive.Endpoint)
	}
	if cfg.Demo.Enabled {
		t.Fatal("Demo.Enabled should default to false")
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"ASKDASH_PROFILE": "prod"})
	cfg, err := Load("askdash-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Archive.UseSSL {
		t.Fatal("Archive.UseSSL should default to true in prod")
	}
	if cfg.Archive.AutoCreateBucket {
		t.Fatal("Archive.AutoCreateBucket should default to false in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"ASKDASH_PROFILE":                     "test",
		"ASKDASH_SERVICE_NAME":                "askdash-custom",
		"ASKDASH_HTTP_ADDR":                   ":9999",
		"ASKDASH_HTTP_READ_TIMEOUT":           "2s",
		"ASKDASH_WAREHOUSE_DSN":               "postgres://example",
		"ASKDASH_WAREHOUSE_MAX_OPEN_CONNS":    "42",
		"ASKDASH_WAREHOUSE_QUERY_TIMEOUT":     "7s",
		"ASKDASH_CHATLOG_ENABLED":             "true",
		"ASKDASH_CHATLOG_DSN":                 "postgres://logs",
		"ASKDASH_GUARD_DEFAULT_LIMIT":         "250",
		"ASKDASH_GUARD_MAX_LIMIT":             "1000",
		"ASKDASH_CONVERSATION_HISTORY_WINDOW": "4",
		"ASKDASH_CONVERSATION_DATE_COLUMN":    "report_date",
		"ASKDASH_METADATA_SCHEMA_FILE":        "/etc/askdash/schema.json",
		"ASKDASH_AI_GENERATE_ENABLED":         "true",
		"ASKDASH_AI_BASE_URL":                 "https://api.example.com",
		"ASKDASH_AI_API_KEY":                  "secret-key",
		"ASKDASH_AI_MODEL":                    "gpt-5.2",
		"ASKDASH_AI_TEMPERATURE":              "0.3",
		"ASKDASH_AI_TIMEOUT":                  "21s",
		"ASKDASH_ARCHIVE_ENABLED":             "true",
		"ASKDASH_ARCHIVE_ENDPOINT":            "s3.example.com",
		"ASKDASH_ARCHIVE_BUCKET":              "askdash-prod",
		"ASKDASH_ARCHIVE_ACCESS_KEY":          "abc",
		"ASKDASH_ARCHIVE_SECRET_KEY":          "def",
		"ASKDASH_ARCHIVE_USE_SSL":             "true",
		"ASKDASH_ARCHIVE_PREFIX":              "tenant-root",
		"ASKDASH_DEMO_ENABLED":                "true",
		"ASKDASH_DEMO_DB_PATH":                "/tmp/demo.duckdb",
		"ASKDASH_LOG_LEVEL":                   "error",
		"ASKDASH_AUTH_REQUIRED":               "true",
		"ASKDASH_AUTH_STATIC_KEYS":            "k1:t1:chat_user",
	})
	cfg, err := Load("askdash-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "askdash-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Warehouse.DSN != "postgres://example" {
		t.Fatalf("Warehouse.DSN = %q", cfg.Warehouse.DSN)
	}
	if cfg.Warehouse.MaxOpenConns != 42 {
		t.Fatalf("Warehouse.MaxOpenConns = %d", cfg.Warehouse.MaxOpenConns)
	}
	if cfg.Warehouse.QueryTimeout != 7*time.Second {
		t.Fatalf("Warehouse.QueryTimeout = %s", cfg.Warehouse.QueryTimeout)
	}
	if !cfg.ChatLog.Enabled || cfg.ChatLog.DSN != "postgres://logs" {
		t.Fatalf("ChatLog = %+v", cfg.ChatLog)
	}
	if cfg.Guard.DefaultLimit != 250 || cfg.Guard.MaxLimit != 1000 {
		t.Fatalf("Guard = %+v", cfg.Guard)
	}
	if cfg.Conversation.HistoryWindow != 4 {
		t.Fatalf("Conversation.HistoryWindow = %d", cfg.Conversation.HistoryWindow)
	}
	if cfg.Conversation.DateColumn != "report_date" {
		t.Fatalf("Conversation.DateColumn = %q", cfg.Conversation.DateColumn)
	}
	if cfg.Metadata.SchemaFile != "/etc/askdash/schema.json" {
		t.Fatalf("Metadata.SchemaFile = %q", cfg.Metadata.SchemaFile)
	}
	if !cfg.AI.GenerateEnabled {
		t.Fatal("AI.GenerateEnabled = false, want true")
	}
	if cfg.AI.BaseURL != "https://api.example.com" {
		t.Fatalf("AI.BaseURL = %q", cfg.AI.BaseURL)
	}
	if cfg.AI.APIKey != "secret-key" {
		t.Fatalf("AI.APIKey = %q", cfg.AI.APIKey)
	}
	if cfg.AI.Model != "gpt-5.2" {
		t.Fatalf("AI.Model = %q", cfg.AI.Model)
	}
	if cfg.AI.Temperature != 0.3 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.AI.Timeout != 21*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Endpoint != "s3.example.com" {
		t.Fatalf("Archive = %+v", cfg.Archive)
	}
	if cfg.Archive.Bucket != "askdash-prod" {
		t.Fatalf("Archive.Bucket = %q", cfg.Archive.Bucket)
	}
	if !cfg.Archive.UseSSL {
		t.Fatal("Archive.UseSSL = false, want true")
	}
	if !cfg.Demo.Enabled || cfg.Demo.DBPath != "/tmp/demo.duckdb" {
		t.Fatalf("Demo = %+v", cfg.Demo)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required = false, want true")
	}
	if cfg.Auth.StaticKeys != "k1:t1:chat_user" {
		t.Fatalf("StaticKeys = %q", cfg.Auth.StaticKeys)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"ASKDASH_PROFILE": "oops"},
		{"ASKDASH_HTTP_READ_TIMEOUT": "NaN"},
		{"ASKDASH_WAREHOUSE_MAX_OPEN_CONNS": "oops"},
		{"ASKDASH_GUARD_DEFAULT_LIMIT": "oops"},
		{"ASKDASH_GUARD_DEFAULT_LIMIT": "0"},
		{"ASKDASH_GUARD_MAX_LIMIT": "100"},
		{"ASKDASH_CONVERSATION_HISTORY_WINDOW": "-1"},
		{"ASKDASH_AI_TEMPERATURE": "bad"},
		{"ASKDASH_AUTH_REQUIRED": "not-bool"},
		{"ASKDASH_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("askdash-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
