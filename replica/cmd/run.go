package cmd

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/tracing"
	"go.ntppool.org/common/version"
	"golang.org/x/sync/errgroup"

	"github.com/bftkit/statetransfer/config"
	"github.com/bftkit/statetransfer/fetcher"
	"github.com/bftkit/statetransfer/provenance"
	"github.com/bftkit/statetransfer/replica"
	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/statusapi"
	"github.com/bftkit/statetransfer/transport/mqtt"
)

type runCmd struct {
	ConfigFile  string `name:"config" short:"c" env:"BCST_CONFIG" help:"replica config file (checkpoint, public keys)"`
	Tuning      string `env:"BCST_TUNING" help:"tuning JSON merged onto the defaults, reloaded when it changes"`
	KeyFile     string `name:"key" env:"BCST_KEY" help:"hex ed25519 seed used to sign pruning requests"`
	BlockDir    string `default:"blocks" env:"BCST_BLOCK_DIR" help:"directory with one file per block"`
	Primary     bool   `env:"BCST_PRIMARY" help:"this replica is the primary and drives adaptive pruning"`
	Sync        bool   `default:"true" negatable:"" env:"BCST_SYNC" help:"fetch missing checkpoint blocks at startup"`
	Environment string `default:"devel" env:"BCST_ENVIRONMENT" help:"deployment environment for tracing"`

	StatusListen string `default:":8096" env:"BCST_STATUS_LISTEN" help:"status API listen address; also takes load reports on POST /load"`
	MetricsPort  int    `default:"9000" env:"BCST_METRICS_PORT" help:"prometheus metrics port"`

	MQTT     mqtt.Config         `embed:"" prefix:"mqtt-" envprefix:"BCST_"`
	Database provenance.DBConfig `embed:"" prefix:"database." envprefix:"BCST_"`
}

func (cmd *runCmd) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "bcst-replica starting", "version", version.Version())

	tuning, err := cmd.loadTuning()
	if err != nil {
		return err
	}

	var (
		file       *config.File
		checkpoint *config.Checkpoint
		peerKeys   map[selector.ReplicaID]ed25519.PublicKey
	)
	if cmd.ConfigFile != "" {
		if file, err = config.ParseFile(cmd.ConfigFile); err != nil {
			return err
		}
		if peerKeys, err = file.PublicKeys(); err != nil {
			return err
		}
		checkpoint, err = file.Checkpoint()
		if err != nil && !errors.Is(err, config.ErrMissingKey) {
			return err
		}
	}

	var key ed25519.PrivateKey
	if cmd.KeyFile != "" {
		if key, err = config.LoadPrivateKey(cmd.KeyFile); err != nil {
			return err
		}
	} else if cmd.Primary && tuning.AdaptivePruning {
		return errors.New("--key is required for the primary with adaptive pruning")
	}

	tpShutdown, err := tracing.InitTracer(ctx, &tracing.TracerConfig{
		ServiceName: "bcst-replica",
		Environment: cmd.Environment,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tpShutdown(shutdownCtx); err != nil {
			log.Warn("trace provider shutdown", "err", err)
		}
	}()

	metricssrv := metricsserver.New()
	version.RegisterMetric("bcst_replica", metricssrv.Registry())

	store, closeStore, err := cmd.openStore(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore()

	blocks, err := fetcher.NewDirBlocks(cmd.BlockDir)
	if err != nil {
		return err
	}

	validator := fetcher.NewDigestValidator()
	if checkpoint != nil {
		for id, sum := range checkpoint.Digests {
			validator.ExpectDigest(id, sum)
		}
	}

	node, err := replica.NewNode(replica.Config{
		Tuning:  tuning,
		Primary: cmd.Primary,
	}, replica.Deps{
		Comm:      mqtt.New(tuning.SelfID, cmd.MQTT, log),
		Blocks:    blocks,
		Validator: validator,
		Store:     store,
		Key:       key,
		PeerKeys:  peerKeys,
		Registry:  metricssrv.Registry(),
	}, log)
	if err != nil {
		return err
	}

	// the execution engine reports load on POST /load; it drives the
	// adaptive pruning rate
	api := statusapi.New(node.Fetcher(), cmd.StatusListen, log, statusapi.WithLoad(node.Resources()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return metricssrv.ListenAndServe(ctx, cmd.MetricsPort)
	})
	g.Go(func() error {
		return node.Run(ctx)
	})
	g.Go(func() error {
		return api.Run(ctx)
	})

	if cmd.Tuning != "" {
		w := &config.Watcher{
			Path: cmd.Tuning,
			Log:  log,
			OnChange: func(ctx context.Context, data []byte) {
				t, err := config.LoadTuning(config.DefaultTuning, data)
				if err != nil {
					log.ErrorContext(ctx, "ignoring invalid tuning", "file", cmd.Tuning, "err", err)
					return
				}
				node.ApplyTuning(ctx, t)
			},
		}
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	if cmd.Sync && checkpoint != nil {
		g.Go(func() error {
			return syncCheckpoint(ctx, log, node.Fetcher(), blocks, checkpoint)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func (cmd *runCmd) loadTuning() (*config.Tuning, error) {
	var override []byte
	if cmd.Tuning != "" {
		data, err := os.ReadFile(cmd.Tuning)
		if err != nil {
			return nil, fmt.Errorf("tuning: %w", err)
		}
		override = data
	}
	return config.LoadTuning(config.DefaultTuning, override)
}

// openStore uses MySQL when a DSN is configured and memory otherwise
func (cmd *runCmd) openStore(ctx context.Context, log *slog.Logger) (provenance.Store, func(), error) {
	if cmd.Database.DSN == "" {
		log.InfoContext(ctx, "no database configured, keeping provenance in memory")
		return provenance.NewMemoryStore(0), func() {}, nil
	}
	db, err := provenance.OpenMySQL(ctx, cmd.Database)
	if err != nil {
		return nil, nil, err
	}
	store := provenance.NewMySQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

// syncCheckpoint fetches the checkpoint blocks this replica is missing
func syncCheckpoint(ctx context.Context, log *slog.Logger, f *fetcher.Fetcher, blocks *fetcher.DirBlocks, cp *config.Checkpoint) error {
	first := cp.FirstBlock
	for ; first <= cp.LastBlock; first++ {
		has, err := blocks.Has(first)
		if err != nil {
			return err
		}
		if !has {
			break
		}
	}
	if first > cp.LastBlock {
		log.InfoContext(ctx, "checkpoint blocks present", "last", cp.LastBlock)
		return nil
	}

	sess, err := f.Sync(ctx, fetcher.Range{First: first, Last: cp.LastBlock}, cp.Sources)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("checkpoint sync: %w", err)
	}
	log.InfoContext(ctx, "checkpoint synced",
		"session", sess.ID.String(),
		"first", sess.FirstBlock,
		"last", sess.LastBlock,
		"duration", sess.Duration())
	return nil
}
