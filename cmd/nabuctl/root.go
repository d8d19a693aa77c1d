package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nabulines/nabulines/internal/bootstrap"
	"github.com/nabulines/nabulines/internal/index"
	"github.com/nabulines/nabulines/pkg/config"
	"github.com/nabulines/nabulines/pkg/logger"
	"github.com/nabulines/nabulines/pkg/postgres"
	pkgredis "github.com/nabulines/nabulines/pkg/redis"
)

// app holds the connections commands share. Backends are opened on first
// use so commands that only touch Redis work without PostgreSQL.
type app struct {
	configPath string
	cfg        *config.Config
	out        io.Writer

	rdb     *pkgredis.Client
	mgr     *index.Manager
	db      *postgres.Client
	closers []func() error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "nabuctl",
		Short:         "Operate the Nabulines secondary index",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg != nil {
				return nil
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logger.Setup(cfg.Logging.Level, "text")
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			a.close()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "configs/development.yaml", "path to config file")
	root.SetOut(a.out)

	root.AddCommand(
		rebuildCmd(a),
		verifyCmd(a),
		getCmd(a),
		queryCmd(a),
		rangeCmd(a),
		topCmd(a),
		typesCmd(a),
		keysCmd(a),
		historyCmd(a),
		seedCmd(a),
		purgeCmd(a),
	)
	return root
}

func (a *app) redis(ctx context.Context) (*pkgredis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb, err := bootstrap.Redis(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	a.rdb = rdb
	return rdb, nil
}

func (a *app) manager(ctx context.Context) (*index.Manager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}
	rdb, err := a.redis(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := bootstrap.Manager(rdb, a.cfg.Index, nil, nil)
	if err != nil {
		return nil, err
	}
	a.mgr = mgr
	return mgr, nil
}

func (a *app) postgres(ctx context.Context) (*postgres.Client, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := bootstrap.Postgres(ctx, a.cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	a.db = db
	return db, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing connection", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
