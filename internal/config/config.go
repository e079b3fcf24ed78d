// Package config loads sessync's configuration once at startup. The result
// is passed explicitly to every component and never mutated.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrRemoteConfig is returned when the remote endpoint is partially configured.
var ErrRemoteConfig = errors.New("incomplete remote configuration")

// Engine names.
const (
	EngineGit   = "git"
	EngineGoGit = "go-git"
)

// Remote backend names.
const (
	BackendSupabase = "supabase"
	BackendS3       = "s3"
	BackendFile     = "file"
)

// Remote is the blob store the session bundle is backed up to.
type Remote struct {
	URL             string        `mapstructure:"url"`
	ServiceKey      string        `mapstructure:"service_key"`
	Bucket          string        `mapstructure:"bucket"`
	Backend         string        `mapstructure:"backend"`
	Key             string        `mapstructure:"key"`
	AccessKey       string        `mapstructure:"access_key"`
	Public          bool          `mapstructure:"public"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
}

// Configured reports whether any part of the endpoint was set.
func (r Remote) Configured() bool {
	return r.URL != "" || r.ServiceKey != "" || r.Bucket != ""
}

// Validate checks that the endpoint is complete for its backend.
func (r Remote) Validate() error {
	var missing []string
	need := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	switch r.Backend {
	case BackendSupabase:
		need("url", r.URL)
		need("service_key", r.ServiceKey)
		need("bucket", r.Bucket)
	case BackendS3:
		need("url", r.URL)
		need("access_key", r.AccessKey)
		need("service_key", r.ServiceKey)
		need("bucket", r.Bucket)
	case BackendFile:
		need("url", r.URL)
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrRemoteConfig, r.Backend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s backend needs %s", ErrRemoteConfig, r.Backend, strings.Join(missing, ", "))
	}
	return nil
}

// Server configures the blob server.
type Server struct {
	Addr       string `mapstructure:"addr"`
	DataRoot   string `mapstructure:"data_root"`
	ServiceKey string `mapstructure:"service_key"`

	// PublicBuckets may be read through the public route without the key.
	PublicBuckets []string `mapstructure:"public_buckets"`
}

// ObjectsDir is where the blob server keeps objects.
func (s Server) ObjectsDir() string {
	return filepath.Join(s.DataRoot, "objects")
}

// Identity overrides the commit author for the session store.
type Identity struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

// Config holds application-wide configuration.
type Config struct {
	Engine   string   `mapstructure:"engine"`
	LogLevel string   `mapstructure:"log_level"`
	Home     string   `mapstructure:"home"`
	LockDir  string   `mapstructure:"lock_dir"`
	Ancestry bool     `mapstructure:"ancestry"`
	MaxDepth int      `mapstructure:"max_depth"`
	Identity Identity `mapstructure:"identity"`
	Remote   Remote   `mapstructure:"remote"`
	Server   Server   `mapstructure:"server"`
}

// SetDefaults registers every key so environment overrides apply to it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine", EngineGit)
	v.SetDefault("log_level", "warn")
	v.SetDefault("home", "")
	v.SetDefault("lock_dir", "")
	v.SetDefault("ancestry", true)
	v.SetDefault("max_depth", 100)
	v.SetDefault("identity.name", "")
	v.SetDefault("identity.email", "")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.service_key", "")
	v.SetDefault("remote.bucket", "")
	v.SetDefault("remote.backend", BackendSupabase)
	v.SetDefault("remote.key", "repo.bundle")
	v.SetDefault("remote.access_key", "")
	v.SetDefault("remote.public", false)
	v.SetDefault("remote.download_timeout", 30*time.Second)
	v.SetDefault("remote.upload_timeout", 60*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.data_root", ".sessync-data")
	v.SetDefault("server.service_key", "")
	v.SetDefault("server.public_buckets", []string{})
}

// New returns a viper instance reading configFile, or sessync.yaml from the
// usual places when configFile is empty, plus SESSYNC_* environment
// variables. The SUPABASE_* variables are honored for the remote endpoint.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile == "" {
		configFile = os.Getenv("SESSYNC_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/sessync")
		v.SetConfigName("sessync")
	}

	v.SetEnvPrefix("SESSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"remote.url":         "SUPABASE_URL",
		"remote.service_key": "SUPABASE_SERVICE_KEY",
		"remote.bucket":      "SUPABASE_BUCKET",
	} {
		if err := v.BindEnv(key, "SESSYNC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	switch c.Engine {
	case EngineGit, EngineGoGit:
	default:
		return nil, fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine, EngineGit, EngineGoGit)
	}
	if c.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		c.Home = home
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(os.TempDir(), "sessync")
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 100
	}
	if c.Remote.Key == "" {
		c.Remote.Key = "repo.bundle"
	}
	return &c, nil
}
