package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/hashing"
	"github.com/becomeliminal/nim-recall/memory/embedder/remote"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/sqlite"
	"github.com/becomeliminal/nim-recall/memory/vault"
)

// keySlotName is where the sqlite backend keeps the exported store key.
const keySlotName = "store_key"

// app carries the settings shared by every subcommand.
type app struct {
	v      *viper.Viper
	logger *log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "recall",
		Short: "Encrypted, searchable notes about you",
		Long:  longRoot,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is <data-dir>/config.yml)")
	flags.String("data-dir", "", "directory holding the store (default is $HOME/.recall)")
	flags.String("backend", "sqlite", "storage backend: sqlite or chromem")
	flags.String("embedder", "hashing", "embedding model: hashing, remote or none")
	flags.String("embedder-url", "ws://127.0.0.1:7411/embed", "websocket address of an embedd daemon")
	flags.Int("dimensions", memory.DefaultDimensions, "embedding length")
	flags.Int("schema-version", 1, "store schema version; changing it discards stored notes")
	flags.Duration("embed-timeout", 30*time.Second, "upper bound for one embedding request")
	flags.Int64("cache-size", 1024, "embedding cache entries (0 disables)")
	flags.Bool("verbose", false, "log store activity to stderr")

	_ = a.v.BindPFlags(flags)
	a.v.SetEnvPrefix("RECALL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newSaveCmd(a),
		newRecallCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newCountCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.logger = log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Prefix:          "recall",
		ReportTimestamp: true,
	})

	if cfg := a.v.GetString("config"); cfg != "" {
		a.v.SetConfigFile(cfg)
	} else {
		a.v.SetConfigName("config")
		a.v.SetConfigType("yml")
		a.v.AddConfigPath(a.dataDir())
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.v.GetString("config") != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// Library packages log through the standard logger.
	if a.v.GetBool("verbose") {
		a.logger.SetLevel(log.DebugLevel)
		stdlog.SetFlags(0)
		stdlog.SetOutput(a.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}).Writer())
	} else {
		stdlog.SetOutput(io.Discard)
	}
	return nil
}

func (a *app) dataDir() string {
	if dir := a.v.GetString("data-dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

// session is an opened store plus everything that must be closed with it.
type session struct {
	manager *memory.EncryptedManager
	closers []func() error
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// open builds the manager selected by the configuration.
func (a *app) open(ctx context.Context) (*session, error) {
	dir := a.dataDir()
	dims := a.v.GetInt("dimensions")
	version := a.v.GetInt("schema-version")
	s := &session{}

	var (
		backend memory.Backend
		keys    memory.KeySource
	)
	switch name := a.v.GetString("backend"); name {
	case "sqlite":
		store, err := sqlite.Open(ctx, sqlite.Options{Dir: dir, Version: version})
		if err != nil {
			return nil, err
		}
		backend, keys = store, vault.NewKeyManager(store.KeySlot(keySlotName))
	case "chromem":
		store, err := chromem.Open(chromem.Options{Dir: dir, Version: version, Dimensions: dims, Compress: true})
		if err != nil {
			return nil, err
		}
		backend = store
		keys = vault.NewKeyManager(vault.FileSlot{Path: filepath.Join(dir, "store.key")})
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	s.closers = append(s.closers, backend.Close)

	emb, err := a.embedder(dims)
	if err != nil {
		s.Close()
		return nil, err
	}
	var e memory.Embedder
	if emb != nil {
		s.closers = append(s.closers, emb.Close)
		e = emb
	}

	s.manager = memory.NewEncryptedManager(backend, e, keys, &memory.Config{
		Weights:      memory.DefaultWeights,
		Dimensions:   dims,
		EmbedTimeout: a.v.GetDuration("embed-timeout"),
	})
	a.logger.Debug("store opened", "dir", dir, "backend", a.v.GetString("backend"), "embedder", a.v.GetString("embedder"))
	return s, nil
}

func (a *app) embedder(dims int) (*embedder.Service, error) {
	var model embedder.Model
	switch name := a.v.GetString("embedder"); name {
	case "none":
		return nil, nil
	case "hashing":
		model = hashing.New(dims)
	case "remote":
		model = remote.New(a.v.GetString("embedder-url"), dims)
	default:
		return nil, fmt.Errorf("unknown embedder %q", name)
	}

	opts := []embedder.Option{
		embedder.WithProgress(func(p embedder.Progress) {
			a.logger.Debug("embedder", "stage", p.Stage, "file", p.File, "percent", p.Percent)
		}),
	}
	if size := a.v.GetInt64("cache-size"); size > 0 {
		opts = append(opts, embedder.WithCache(size))
	}
	return embedder.New(model, opts...)
}

var longRoot = `
Recall keeps short notes about you in an encrypted local store and finds the
ones relevant to a question.

Notes are sealed with AES-256-GCM before they touch disk. The key is created
on first use and kept next to the store.

Examples:
  recall save --importance 8 "I love hiking in Colorado"
  recall recall "Where do I like to hike?"
  recall list
`
