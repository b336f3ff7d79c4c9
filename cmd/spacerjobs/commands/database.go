package commands

import (
	"database/sql"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/am"
	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
)

// LoadConfig loads the configuration named by --config, or the standard
// cascade when the flag is unset.
func LoadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return am.LoadFromFile(path)
	}
	return am.Load()
}

// configPaths returns the files a running serve should watch.
func configPaths(cmd *cobra.Command) []string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return []string{path}
	}
	return am.ConfigFiles()
}

// openDatabase opens and migrates the configured job database.
func openDatabase(cfg *am.Config, log *zap.SugaredLogger) (*sql.DB, db.Dialect, error) {
	dialect, err := db.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, dialect, err
	}
	conn, err := db.OpenWithMigrations(dialect, cfg.Database.DSN, logger.AddDBSymbol(log.Named("db")))
	if err != nil {
		return nil, dialect, errors.Wrapf(err, "failed to open %s database", dialect)
	}
	return conn, dialect, nil
}
