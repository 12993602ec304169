// Package cli implements the cartorio command line client: local capture,
// export and import, and delivery of the offline queue to the registry.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	"github.com/eduabjr/cartorio-sub002/internal/capture/service"
	"github.com/eduabjr/cartorio-sub002/internal/capture/store"
	"github.com/eduabjr/cartorio-sub002/internal/platform/logger"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// App carries state shared by every subcommand. Settings resolve from flags,
// then CARTORIO_* environment variables, then the optional config file.
type App struct {
	v      *viper.Viper
	logger *slog.Logger
}

// NewRootCommand creates the root command for the cartorio CLI.
func NewRootCommand() *cobra.Command {
	app := &App{v: viper.New(), logger: slog.Default()}

	cmd := &cobra.Command{
		Use:           "cartorio",
		Short:         "Offline-first capture client for the civil registry",
		Long:          "Captures registry records locally, keeps them queued while offline and delivers them to the registry when it is reachable.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("db", "cartorio.db", "path to the local capture database")
	pf.String("id-generator", "time", "record id scheme (time|uuid|sequence)")
	pf.String("machine", "", "machine tag for the sequence id generator")
	pf.String("log-level", "warn", "log level (debug|info|warn|error)")
	pf.String("format", "text", "output format (text|json)")

	cmd.AddCommand(newCaptureCommand(app))
	cmd.AddCommand(newListCommand(app))
	cmd.AddCommand(newShowCommand(app))
	cmd.AddCommand(newExportCommand(app))
	cmd.AddCommand(newImportCommand(app))
	cmd.AddCommand(newPurgeCommand(app))
	cmd.AddCommand(newSyncCommand(app))
	cmd.AddCommand(newStatusCommand(app))
	cmd.AddCommand(newRequeueCommand(app))

	return cmd
}

func (a *App) load(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("CARTORIO")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}

	if format := a.v.GetString("format"); !slices.Contains(ValidFormats, format) {
		return fmt.Errorf("invalid format %q: must be one of %v", format, ValidFormats)
	}
	a.logger = logger.NewWithWriter(cmd.ErrOrStderr(), a.v.GetString("log-level"))
	return nil
}

// openStore opens the capture database named by --db.
func (a *App) openStore() (*store.SQLiteStore, error) {
	path := a.v.GetString("db")
	if path == "" {
		return nil, errors.New("--db is required")
	}
	return store.OpenSQLite(path)
}

// openService opens the capture database and builds the capture service on it.
// The caller must close the returned store.
func (a *App) openService() (*service.Service, *store.SQLiteStore, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	ids, err := models.GeneratorByName(a.v.GetString("id-generator"), a.v.GetString("machine"))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	svc, err := service.New(st, service.WithIDGenerator(ids), service.WithLogger(a.logger))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return svc, st, nil
}

func (a *App) jsonOutput() bool {
	return a.v.GetString("format") == "json"
}
