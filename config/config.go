// Package config loads the application configuration.
//
// Service endpoints and credentials come from the environment, optionally
// seeded from a .env file. Tunables come from an embedded defaults.yaml that
// a file named by CONFIG_FILE replaces wholesale.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/retry"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// MemoryStoreURL selects the in-process vector store.
const MemoryStoreURL = "memory://"

// Config represents the complete application configuration.
type Config struct {
	Services     ServicesConfig      `yaml:"-"`
	Retry        RetryConfig         `yaml:"retry"`
	Cache        CacheConfig         `yaml:"cache"`
	Log          LogConfig           `yaml:"log"`
	SSLVerify    bool                `yaml:"ssl_verify"`
	SymptomDrugs map[string][]string `yaml:"symptom_drugs" validate:"required,dive,keys,required,endkeys,len=2,dive,required"`
	InputFields  []Field             `yaml:"input_fields" validate:"required,dive"`
}

// ServicesConfig holds the external endpoints, all read from the environment.
type ServicesConfig struct {
	VectorStoreURL    string `validate:"required"`
	VectorStoreAPIKey string `validate:"required_unless=VectorStoreURL memory://"`
	EmbedURL          string `validate:"required_if=EmbeddingBackend http"`
	GenerateURL       string `validate:"required_if=GenerationBackend http"`
	EmbeddingBackend  string `validate:"oneof=http openai"`
	GenerationBackend string `validate:"oneof=http openai langchain"`
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	CollectionsFile   string
}

// RetryConfig holds the retry policy tunables.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" validate:"min=1"`
	BackoffFactor   float64 `yaml:"backoff_factor" validate:"gte=0"`
	StatusForcelist []int   `yaml:"status_forcelist" validate:"dive,min=100,max=599"`
}

// Policy builds the retry policy.
func (r RetryConfig) Policy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		BackoffFactor:   r.BackoffFactor,
		StatusForcelist: slices.Clone(r.StatusForcelist),
	}
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=memory sqlite redis"`
	Dir        string `yaml:"dir" validate:"required"`
	MaxSize    int    `yaml:"max_size" validate:"min=1"`
	ExpiryDays int    `yaml:"expiry_days" validate:"min=1"`
	RedisAddr  string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	// RedisPassword is only read from the environment.
	RedisPassword string `yaml:"-"`
}

// Expiry returns the entry lifetime.
func (c CacheConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryDays) * 24 * time.Hour
}

// LogConfig holds logging settings.
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level" validate:"oneof=debug info warn warning error none"`
}

// Field describes one interactive input.
type Field struct {
	Name            string           `yaml:"name" validate:"required"`
	Prompt          string           `yaml:"prompt" validate:"required"`
	Type            string           `yaml:"type" validate:"oneof=text numeric"`
	Optional        bool             `yaml:"optional"`
	Validation      FieldValidation  `yaml:"validation"`
	Transformations []Transformation `yaml:"transformations" validate:"dive"`
}

// FieldValidation constrains a field. An enum without values accepts the
// symptoms of Config.SymptomDrugs. Numeric fields are bounded by Min and Max.
type FieldValidation struct {
	Type   string   `yaml:"type" validate:"omitempty,oneof=enum"`
	Values []string `yaml:"values"`
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
}

// Transformation rewrites an input whose start matches Match to Replace.
type Transformation struct {
	Match   string `yaml:"match" validate:"required"`
	Replace string `yaml:"replace" validate:"required"`
}

// Field names the driver depends on.
const (
	FieldSymptom = "symptom"
	FieldAge     = "age"
	FieldWeight  = "weight"
)

var validate = validator.New()

// Load reads envFiles (missing files are skipped, default ".env") and then
// builds the configuration from the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errs.Configuration("load %s: %v", f, err)
		}
	}

	defaults := io.Reader(bytes.NewReader(defaultsYAML))
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errs.Configuration("open config file: %v", err)
		}
		defer f.Close()
		defaults = f
	}
	return LoadFrom(defaults, os.Getenv)
}

// LoadFrom decodes tunables from r, applies the variables returned by getenv
// and validates the result.
func LoadFrom(r io.Reader, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errs.Configuration("decode config: %v", err)
	}

	env := envReader{getenv: getenv}
	cfg.Services = ServicesConfig{
		VectorStoreURL:    env.str("VECTOR_STORE_URL", ""),
		VectorStoreAPIKey: env.str("VECTOR_STORE_API_KEY", ""),
		EmbedURL:          env.str("EMBED_URL", ""),
		GenerateURL:       env.str("GENERATE_URL", ""),
		EmbeddingBackend:  strings.ToLower(env.str("EMBEDDING_BACKEND", "http")),
		GenerationBackend: strings.ToLower(env.str("GENERATION_BACKEND", "http")),
		OpenAIAPIKey:      env.str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     env.str("OPENAI_BASE_URL", ""),
		OpenAIModel:       env.str("OPENAI_MODEL", ""),
		CollectionsFile:   env.str("COLLECTIONS_FILE", ""),
	}
	cfg.Cache.Backend = strings.ToLower(env.str("CACHE_BACKEND", orDefault(cfg.Cache.Backend, "memory")))
	cfg.Cache.Dir = env.str("CACHE_DIR", cfg.Cache.Dir)
	cfg.Cache.RedisAddr = env.str("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = env.str("REDIS_PASSWORD", "")
	cfg.Log.Level = strings.ToLower(env.str("LOG_LEVEL", orDefault(cfg.Log.Level, "info")))
	cfg.Log.File = env.str("LOG_FILE", cfg.Log.File)
	cfg.SSLVerify = env.boolean("SSL_VERIFY", cfg.SSLVerify)
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return errs.Configuration("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return errs.Configuration("invalid configuration: %v", err)
	}

	if c.Services.GenerationBackend != "http" && c.Services.OpenAIAPIKey == "" {
		return errs.Configuration("OPENAI_API_KEY is required for the %s generation backend", c.Services.GenerationBackend)
	}
	if c.Services.EmbeddingBackend == "openai" && c.Services.OpenAIAPIKey == "" {
		return errs.Configuration("OPENAI_API_KEY is required for the openai embedding backend")
	}

	seen := make(map[string]bool, len(c.InputFields))
	for _, f := range c.InputFields {
		if seen[f.Name] {
			return errs.Configuration("input field %q defined twice", f.Name)
		}
		seen[f.Name] = true

		v := f.Validation
		switch f.Type {
		case "numeric":
			if v.Min == nil || v.Max == nil || *v.Min > *v.Max {
				return errs.Configuration("input field %q needs min <= max", f.Name)
			}
		case "text":
			if v.Type == "enum" {
				for _, value := range c.EnumValues(f) {
					if f.Name == FieldSymptom && c.SymptomDrugs[value] == nil {
						return errs.Configuration("symptom %q has no drugs", value)
					}
				}
			}
		}
	}
	for _, name := range []string{FieldSymptom, FieldAge} {
		if !seen[name] {
			return errs.Configuration("input field %q is required", name)
		}
	}
	return nil
}

// EnumValues returns the accepted values of an enum field, sorted.
func (c *Config) EnumValues(f Field) []string {
	values := slices.Clone(f.Validation.Values)
	if len(values) == 0 {
		for symptom := range c.SymptomDrugs {
			values = append(values, symptom)
		}
	}
	slices.Sort(values)
	return values
}

// CachePath returns the path of a named cache file under the cache directory.
func (c *Config) CachePath(name string) string {
	return filepath.Join(c.Cache.Dir, name)
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must have %s items", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed on '%s'", field, fe.Tag())
	}
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil && e.err == nil {
		e.err = errs.Configuration("%s: %q is not a boolean", key, v)
	}
	return b
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
