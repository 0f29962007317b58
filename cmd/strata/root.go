package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/jrife/strata/commands"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/kv/plugins"
	"github.com/jrife/strata/utils/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// config is read from flags, STRATA_* environment variables
// and an optional config file, in that order of precedence
type config struct {
	Engine    string   `mapstructure:"engine"`
	Path      string   `mapstructure:"path"`
	NoSync    bool     `mapstructure:"no-sync"`
	LogLevel  string   `mapstructure:"log-level"`
	Protected []string `mapstructure:"protected"`
}

type app struct {
	viper  *viper.Viper
	config config
	logger *zap.Logger
	out    io.Writer
}

func newRootCommand() *cobra.Command {
	a := &app{viper: viper.New()}
	var configFile string

	root := &cobra.Command{
		Use:           "strata",
		Short:         "Manage partitioned collections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()

			return a.load(configFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("engine", "bbolt", fmt.Sprintf("dictionary engine, one of %v", plugins.Names()))
	flags.String("path", "strata.db", "path of the database file")
	flags.Bool("no-sync", false, "skip fsync after each commit")
	flags.String("log-level", "info", "log level")
	flags.StringSlice("protected", nil, "collections whose partitions can only be changed with --force")

	if err := a.viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	a.viper.SetEnvPrefix("strata")
	a.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.viper.AutomaticEnv()

	root.AddCommand(
		a.collectionsCommand(),
		a.createCommand(),
		a.dropCommand(),
		a.insertCommand(),
		a.scanCommand(),
		a.statsCommand(),
		a.createIndexCommand(),
		a.dropIndexCommand(),
		a.addPartitionCommand(),
		a.dropPartitionCommand(),
		a.partitionInfoCommand(),
	)

	return root
}

func (a *app) load(configFile string) error {
	if configFile != "" {
		a.viper.SetConfigFile(configFile)

		if err := a.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("could not read config file: %w", err)
		}
	}

	if err := a.viper.Unmarshal(&a.config); err != nil {
		return fmt.Errorf("could not parse config: %w", err)
	}

	logger, err := newLogger(a.config.LogLevel)

	if err != nil {
		return err
	}

	a.logger = logger

	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var l zapcore.Level

	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(l)
	config.OutputPaths = []string{"stderr"}

	return config.Build()
}

func (a *app) rootStore() (kv.RootStore, error) {
	plugin := plugins.Plugin(a.config.Engine)

	if plugin == nil {
		return nil, fmt.Errorf("unknown engine %q, expected one of %v", a.config.Engine, plugins.Names())
	}

	return plugin.NewRootStore(kv.PluginOptions{"path": a.config.Path, "noSync": a.config.NoSync})
}

// run opens the database, runs fn and closes the database
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, db *commands.Database) error) error {
	root, err := a.rootStore()

	if err != nil {
		return fmt.Errorf("could not open %s: %w", a.config.Path, err)
	}

	db := commands.New(commands.Config{Logger: a.logger, Store: root, Protected: a.config.Protected})

	defer func() {
		if err := db.Close(); err != nil {
			a.logger.Warn("could not close database", zap.Error(err))
		}

		a.logger.Sync()
	}()

	ctx := log.WithLogger(cmd.Context(), a.logger.With(zap.String("path", a.config.Path)))
	ctx = log.WithFields(ctx, zap.String("command", cmd.Name()))

	return fn(ctx, db)
}

// print writes v as one line of JSON
func (a *app) print(v interface{}) error {
	raw, err := json.Marshal(v, json.Deterministic(true))

	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(a.out, string(raw))

	return err
}
