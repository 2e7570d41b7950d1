package config

import "testing"

func TestStoreBlobOverlay(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MEILI_URL", "")
	t.Setenv("DUET_STORE_CONFIG", `{"databaseUrl":"postgres://blob/db","redisUrl":"redis://blob:6379","meiliUrl":"http://blob:7700"}`)

	cfg := Load()
	if cfg.DatabaseURL != "postgres://blob/db" {
		t.Fatalf("expected blob database url, got %s", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://blob:6379" {
		t.Fatalf("expected blob redis url, got %s", cfg.RedisURL)
	}
	if cfg.MeiliURL != "http://blob:7700" {
		t.Fatalf("expected blob meili url, got %s", cfg.MeiliURL)
	}
}

func TestEnvWinsOverStoreBlob(t *testing.T) {
	t.Setenv("DUET_STORE_CONFIG", `{"redisUrl":"redis://blob:6379"}`)
	t.Setenv("REDIS_URL", "redis://env:6379")

	cfg := Load()
	if cfg.RedisURL != "redis://env:6379" {
		t.Fatalf("expected env var to win over the blob, got %s", cfg.RedisURL)
	}
}

func TestMalformedStoreBlobYieldsEmptyOverlay(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DUET_STORE_CONFIG", `{not json`)

	cfg := Load()
	if cfg.DatabaseURL == "" {
		t.Fatal("expected the default database url, got empty")
	}
}
