package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/strideapp/habitsync/internal/cache"
	"github.com/strideapp/habitsync/internal/engine"
	"github.com/strideapp/habitsync/internal/queue"
	"github.com/strideapp/habitsync/internal/remote"
	"github.com/strideapp/habitsync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "habitsync",
	Short: "Offline-first sync and cache engine for habit data",
	Long: `habitsync keeps habit completions and streak state available offline
and reconciles them with the remote store when connectivity returns.

Configuration is read from habitsync.yaml (current directory or
~/.habitsync/), overridable with HABITSYNC_* environment variables.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: habitsync.yaml)")
	rootCmd.PersistentFlags().String("user", "", "user id owning this session")
	rootCmd.PersistentFlags().String("remote", "", "remote store base URL")
	rootCmd.PersistentFlags().String("db", "", "path to the local cache database")

	_ = viper.BindPFlag("user_id", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("remote_url", rootCmd.PersistentFlags().Lookup("remote"))
	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
}

// initConfig loads configuration from file and environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("habitsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".habitsync"))
		}
	}

	viper.SetEnvPrefix("HABITSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("db_path", ".habitsync/cache.db")
	viper.SetDefault("poll_interval", "30s")
	viper.SetDefault("log_file", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// logWriter returns the destination for component logs: a rotating file when
// log_file is configured, stderr otherwise.
func logWriter() io.Writer {
	if path := viper.GetString("log_file"); path != "" {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return os.Stderr
}

func newLogger(prefix string) *log.Logger {
	return log.New(logWriter(), prefix, log.LstdFlags)
}

// session bundles the wired components for one user session. This is the
// composition root: everything is constructed here and injected; nothing is
// a package-level singleton.
type session struct {
	store  *store.Store
	cache  *cache.TieredCache
	queue  *queue.Queue
	remote remote.Store
	engine *engine.Engine
}

// openSession wires store, cache, queue, remote client, and engine from the
// effective configuration.
func openSession() (*session, error) {
	userID := viper.GetString("user_id")
	if userID == "" {
		return nil, fmt.Errorf("user_id is required (flag --user, config, or HABITSYNC_USER_ID)")
	}
	remoteURL := viper.GetString("remote_url")
	if remoteURL == "" {
		return nil, fmt.Errorf("remote_url is required (flag --remote, config, or HABITSYNC_REMOTE_URL)")
	}

	st, err := store.Open(viper.GetString("db_path"))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Logger = newLogger("[cache] ")
	tc := cache.New(cacheCfg, st)

	q, err := queue.New(st, newLogger("[queue] "))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load pending queue: %w", err)
	}

	rs, err := remote.NewStreamStore(remote.StreamConfig{
		BaseURL:   remoteURL,
		AuthToken: viper.GetString("auth_token"),
		Logger:    newLogger("[remote] "),
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	engCfg := engine.DefaultConfig(userID)
	engCfg.Logger = newLogger("[engine] ")
	if d := viper.GetDuration("poll_interval"); d > 0 {
		engCfg.PollInterval = d
	}

	eng, err := engine.New(engCfg, rs, tc, q, st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	return &session{store: st, cache: tc, queue: q, remote: rs, engine: eng}, nil
}

// close releases session resources in reverse construction order.
func (s *session) close() {
	s.cache.Stop()
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
	}
}

// formatAge renders a timestamp as a relative age for status output.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t).Round(time.Second)
	return fmt.Sprintf("%s ago", age)
}
