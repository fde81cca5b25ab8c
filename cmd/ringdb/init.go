package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ringdb/pkg/config"
)

// initEnv подхватывает .env файлы и переменные окружения вида RINGDB_<flag>
func initEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("ringdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// initConfig загружает конфиг из файла YAML. Если файл не найден, берётся
// config.Default(). Флаги и окружение перекрывают значения из файла.
func initConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		slog.Info("config file not found, using default config", "path", path)
		cfg = config.Default()
	}

	if viper.IsSet("self") {
		cfg.Cluster.Self = viper.GetString("self")
	}
	if nodes := viper.GetString("nodes"); nodes != "" {
		cfg.Cluster.Nodes = splitList(nodes)
	}
	if zk := viper.GetString("zk-servers"); zk != "" {
		cfg.Cluster.ZooKeeper.Servers = splitList(zk)
	}
	if viper.IsSet("port") {
		cfg.Server.Port = viper.GetInt("port")
	}
	if viper.IsSet("data-dir") {
		cfg.DB.Persistence.RootPath = viper.GetString("data-dir")
	}
	if viper.IsSet("log-level") {
		cfg.Logger.Level = viper.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}
