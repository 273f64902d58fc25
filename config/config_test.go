package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smallnest/doseguide/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(kv map[string]string) func(string) string {
	return func(key string) string { return kv[key] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"VECTOR_STORE_URL": MemoryStoreURL,
		"EMBED_URL":        "http://localhost:8001/embed",
		"GENERATE_URL":     "http://localhost:8002/generate",
	}
}

func load(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	return LoadFrom(bytes.NewReader(defaultsYAML), envMap(env))
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := load(t, baseEnv())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 0.2, cfg.Retry.BackoffFactor)
	assert.Equal(t, []int{429, 502, 503, 504}, cfg.Retry.StatusForcelist)

	policy := cfg.Retry.Policy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, policy.Delay(1))

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.Expiry())
	assert.Equal(t, filepath.Join("cache", "plans.json"), cfg.CachePath("plans.json"))

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "logs/app.log", cfg.Log.File)
	assert.True(t, cfg.SSLVerify)

	assert.Equal(t, "http", cfg.Services.EmbeddingBackend)
	assert.Equal(t, "http", cfg.Services.GenerationBackend)

	assert.Len(t, cfg.SymptomDrugs, 15)
	assert.Equal(t, []string{"alprazolam", "clonazepam"}, cfg.SymptomDrugs["panic attack"])

	require.Len(t, cfg.InputFields, 3)
	symptom := cfg.InputFields[0]
	assert.Equal(t, FieldSymptom, symptom.Name)
	values := cfg.EnumValues(symptom)
	assert.Len(t, values, 15)
	assert.Equal(t, "allergic rhinitis", values[0])
	require.Len(t, symptom.Transformations, 3)
	assert.Equal(t, "pain", symptom.Transformations[0].Replace)

	weight := cfg.InputFields[2]
	assert.True(t, weight.Optional)
	assert.Equal(t, 300.0, *weight.Validation.Max)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	env := baseEnv()
	env["CACHE_BACKEND"] = "Redis"
	env["REDIS_ADDR"] = "localhost:6379"
	env["CACHE_DIR"] = "/var/cache/doseguide"
	env["LOG_LEVEL"] = "DEBUG"
	env["SSL_VERIFY"] = "false"

	cfg, err := load(t, env)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "/var/cache/doseguide", cfg.Cache.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.SSLVerify)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantMsg string
	}{
		{"missing vector store", func(e map[string]string) { delete(e, "VECTOR_STORE_URL") }, "VectorStoreURL is required"},
		{"postgres without api key", func(e map[string]string) { e["VECTOR_STORE_URL"] = "postgres://localhost/doseguide" }, "VectorStoreAPIKey is required"},
		{"missing embed url", func(e map[string]string) { delete(e, "EMBED_URL") }, "EmbedURL is required"},
		{"missing generate url", func(e map[string]string) { delete(e, "GENERATE_URL") }, "GenerateURL is required"},
		{"unknown generation backend", func(e map[string]string) { e["GENERATION_BACKEND"] = "ollama" }, "GenerationBackend must be one of"},
		{"openai without key", func(e map[string]string) { e["GENERATION_BACKEND"] = "openai" }, "OPENAI_API_KEY is required"},
		{"redis without addr", func(e map[string]string) { e["CACHE_BACKEND"] = "redis" }, "RedisAddr is required"},
		{"bad bool", func(e map[string]string) { e["SSL_VERIFY"] = "maybe" }, "SSL_VERIFY"},
		{"bad log level", func(e map[string]string) { e["LOG_LEVEL"] = "verbose" }, "Level must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			tt.mutate(env)
			_, err := load(t, env)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadFrom_OpenAIBackends(t *testing.T) {
	env := baseEnv()
	delete(env, "GENERATE_URL")
	delete(env, "EMBED_URL")
	env["GENERATION_BACKEND"] = "langchain"
	env["EMBEDDING_BACKEND"] = "openai"
	env["OPENAI_API_KEY"] = "sk-test"

	cfg, err := load(t, env)
	require.NoError(t, err)
	assert.Equal(t, "langchain", cfg.Services.GenerationBackend)
	assert.Equal(t, "sk-test", cfg.Services.OpenAIAPIKey)
}

func TestLoadFrom_InvalidTunables(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "three drugs",
			yaml:    strings.Replace(string(defaultsYAML), "fever: [acetaminophen, ibuprofen]", "fever: [acetaminophen, ibuprofen, aspirin]", 1),
			wantMsg: "must have 2 items",
		},
		{
			name:    "numeric without bounds",
			yaml:    strings.Replace(string(defaultsYAML), "      max: 120\n", "", 1),
			wantMsg: `"age" needs min <= max`,
		},
		{
			name:    "zero attempts",
			yaml:    strings.Replace(string(defaultsYAML), "max_attempts: 3", "max_attempts: 0", 1),
			wantMsg: "MaxAttempts must be at least 1",
		},
		{
			name:    "enum value without drugs",
			yaml:    strings.Replace(string(defaultsYAML), "      type: enum\n", "      type: enum\n      values: [fever, sunburn]\n", 1),
			wantMsg: `symptom "sunburn" has no drugs`,
		},
		{
			name:    "malformed yaml",
			yaml:    "retry: [",
			wantMsg: "decode config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(strings.NewReader(tt.yaml), envMap(baseEnv()))
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	keys := []string{"VECTOR_STORE_URL", "EMBED_URL", "GENERATE_URL"}
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})

	path := filepath.Join(t.TempDir(), ".env")
	content := "VECTOR_STORE_URL=memory://\nEMBED_URL=http://embed\nGENERATE_URL=http://generate\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, MemoryStoreURL, cfg.Services.VectorStoreURL)
	assert.Equal(t, "http://generate", cfg.Services.GenerateURL)
}
