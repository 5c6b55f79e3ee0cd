package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/evalwatch/pkg/jobstate"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps a short environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// envAliases are short names accepted alongside the EVALWATCH_<SECTION>_<KEY>
// form that AutomaticEnv derives.
var envAliases = []EnvSpec{
	{Name: "LOG_LEVEL", Path: "logging.level"},
	{Name: "HOST", Path: "server.host"},
	{Name: "PORT", Path: "server.port"},
	{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
	{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
	{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	{Name: "BACKEND", Path: "store.backend"},
	{Name: "STORE_URL", Path: "store.url"},
	{Name: "POLL_INTERVAL", Path: "watch.poll_interval"},
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for AutomaticEnv to reach them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("watch.poll_interval", "3s")
	v.SetDefault("watch.report_transport", true)
	v.SetDefault("watch.connect_timeout", "10s")
	v.SetDefault("watch.fetch_timeout", "15s")
	v.SetDefault("watch.fetch_rate", 0)
	v.SetDefault("watch.fetch_burst", 1)

	v.SetDefault("store.backend", string(BackendFile))
	v.SetDefault("store.kind", string(jobstate.KindEvaluation))
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.profile", "")
	v.SetDefault("store.s3.prefix", "")
	v.SetDefault("store.s3.force_path_style", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.stream_timeout", "0s")
}

// Load builds the configuration and stores it for GetConfig.
//
// Precedence, lowest first: defaults, config file, environment, overrides.
// The config file is $EVALWATCH_CONFIG when set, otherwise evalwatch.yaml in
// the working directory or the user config directory.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFrom(ctx, "", overrides...)
}

// LoadFrom is Load with an explicit config file path. An empty path falls
// back to the Load search order.
func LoadFrom(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, EnvPrefix+"_"+strings.ReplaceAll(strings.ToUpper(spec.Path), ".", "_"), spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func getEnvSpecs() []EnvSpec {
	specs := make([]EnvSpec, 0, len(envAliases))
	for _, a := range envAliases {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + a.Name, Path: a.Path})
	}
	return specs
}

func getUserConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", AppName))
	}
	return paths
}

func readConfigFile(v *viper.Viper, path string) error {
	explicit := strings.TrimSpace(path)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG"))
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		normalizeBackendHook(),
	)
}

// normalizeBackendHook lowercases backend names so "SQLite" works.
func normalizeBackendHook() mapstructure.DecodeHookFuncType {
	backendType := reflect.TypeOf(Backend(""))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != backendType || from.Kind() != reflect.String {
			return data, nil
		}
		return Backend(strings.ToLower(strings.TrimSpace(reflect.ValueOf(data).String()))), nil
	}
}
