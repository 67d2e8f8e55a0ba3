package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cfmmsync/internal/batch"
	"cfmmsync/internal/chain"
	"cfmmsync/internal/checkpoint"
	"cfmmsync/internal/config"
	"cfmmsync/internal/dex"
	"cfmmsync/internal/export"
	"cfmmsync/internal/registry"
	"cfmmsync/internal/syncer"
	"cfmmsync/internal/throttle"
)

func main() {
	root := &cobra.Command{
		Use:          "cfmmsync",
		Short:        "CFMM pool state synchronizer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync cycle",
		RunE:  runSync,
	}
	addCommonFlags(syncCmd)
	syncCmd.Flags().Uint64("target-block", 0, "sync frontier target, 0 means chain head")
	syncCmd.Flags().String("out", "", "optional pool snapshot JSONL path")
	root.AddCommand(syncCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Fetch one pool and print its spot price and a simulated swap",
		RunE:  runQuote,
	}
	addCommonFlags(quoteCmd)
	quoteCmd.Flags().String("pool", "", "pool address")
	quoteCmd.Flags().String("amount-in", "", "input amount in smallest units")
	quoteCmd.Flags().Bool("zero-for-one", true, "swap token0 for token1")
	quoteCmd.Flags().Uint8("decimals0", 18, "token0 decimals")
	quoteCmd.Flags().Uint8("decimals1", 18, "token1 decimals")
	root.AddCommand(quoteCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "RPC URL")
	cmd.Flags().String("multicall", "", "aggregating contract address")
	cmd.Flags().String("checkpoint-dir", "./data", "checkpoint directory (file store)")
	cmd.Flags().String("checkpoint-key", "cfmmsync", "checkpoint key")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN for the checkpoint store (overrides file store)")
	cmd.Flags().Uint64("max-block-range", 10000, "widest block span per log scan")
	cmd.Flags().Int("max-calls-per-batch", 200, "sub-calls per aggregate round trip")
	cmd.Flags().Int("max-concurrent-batches", 4, "concurrently dispatched batches")
	cmd.Flags().Int("max-attempts", 5, "retry attempts per batch")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().Float64("rate-ceiling", 20, "request budget ceiling, requests/second (0 disables)")
	cmd.Flags().Int64("max-in-flight", 8, "in-flight request ceiling")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

// runtime bundles the wired components shared by the commands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	client *chain.Client
	store  checkpoint.Store
	reg    *registry.Registry
	req    *batch.Requester
	close  func()
}

func setup(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Multicall) {
		return nil, fmt.Errorf("invalid multicall address: %q", cfg.Multicall)
	}

	dexes, err := cfg.BuildDexes()
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(dexes)
	if err != nil {
		return nil, err
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL, common.HexToAddress(cfg.Multicall))
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}

	var (
		store   checkpoint.Store
		pgStore *checkpoint.PostgresStore
	)
	if cfg.PgDSN != "" {
		pgStore, err = checkpoint.NewPostgresStore(ctx, cfg.PgDSN)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("connect checkpoint store: %w", err)
		}
		store = pgStore
	} else {
		store = checkpoint.NewFileStore(cfg.CheckpointDir)
	}

	governor := throttle.New(throttle.Config{
		Ceiling:      cfg.RateCeiling,
		Floor:        cfg.RateFloor,
		Increment:    cfg.RateIncrement,
		StreakLength: cfg.SuccessStreak,
		Cooldown:     cfg.Cooldown,
		MaxInFlight:  cfg.MaxInFlight,
	})

	req := batch.NewRequester(batch.Config{
		MaxBlockRange:        cfg.MaxBlockRange,
		MaxSplits:            cfg.MaxSplits,
		MaxCallsPerBatch:     cfg.MaxCallsPerBatch,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		MaxAttempts:          cfg.MaxAttempts,
		RetryBackoff:         cfg.RetryBackoff,
		MaxRetryBackoff:      cfg.MaxRetryBackoff,
		RequestTimeout:       cfg.RequestTimeout,
		TickWindow:           cfg.TickWindow,
	}, client, governor, logger)

	return &runtime{
		cfg:    cfg,
		logger: logger,
		client: client,
		store:  store,
		reg:    reg,
		req:    req,
		close: func() {
			client.Close()
			if pgStore != nil {
				pgStore.Close()
			}
			_ = logger.Sync()
		},
	}, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	engine, err := syncer.New(syncer.Config{
		CheckpointKey: rt.cfg.CheckpointKey,
		TargetBlock:   rt.cfg.TargetBlock,
	}, rt.req, rt.client, rt.store, rt.reg, rt.logger)
	if err != nil {
		return err
	}

	rt.logger.Info("sync start",
		zap.String("rpc", rt.cfg.RPCURL),
		zap.Int("dexes", len(rt.reg.Dexes())),
		zap.Uint64("target_block", rt.cfg.TargetBlock),
		zap.String("checkpoint_key", rt.cfg.CheckpointKey),
	)

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	for _, warning := range result.Warnings {
		rt.logger.Warn("decode warning", zap.String("pool", warning.Pool.Hex()), zap.String("reason", warning.Reason))
	}

	if rt.cfg.Out != "" {
		writer := export.NewJsonlWriter(rt.cfg.Out)
		if err := writer.WriteSnapshot(result.Pools, result.SyncedThrough); err != nil {
			return err
		}
		rt.logger.Info("snapshot written", zap.String("out", rt.cfg.Out), zap.Int("pools", len(result.Pools)))
	}

	return nil
}

func runQuote(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	poolFlag, _ := cmd.Flags().GetString("pool")
	if !common.IsHexAddress(poolFlag) {
		return fmt.Errorf("invalid pool address: %q", poolFlag)
	}
	poolAddr := common.HexToAddress(poolFlag)

	amountFlag, _ := cmd.Flags().GetString("amount-in")
	amountIn, ok := new(big.Int).SetString(amountFlag, 10)
	if !ok || amountIn.Sign() <= 0 {
		return fmt.Errorf("invalid amount-in: %q", amountFlag)
	}
	zeroForOne, _ := cmd.Flags().GetBool("zero-for-one")
	decimals0, _ := cmd.Flags().GetUint8("decimals0")
	decimals1, _ := cmd.Flags().GetUint8("decimals1")

	cp, found, err := checkpoint.Load(ctx, rt.store, rt.cfg.CheckpointKey)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no checkpoint found, run sync first")
	}

	for _, entry := range cp.Dexes {
		d, ok := rt.reg.Dex(entry.ID)
		if !ok || !entry.Matches(d) {
			continue
		}
		ids, err := entry.Identities()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id.Address != poolAddr {
				continue
			}

			pools, warnings, err := rt.req.FetchState(ctx, d, []dex.PoolIdentity{id})
			if err != nil {
				return err
			}
			for _, warning := range warnings {
				rt.logger.Warn("decode warning", zap.String("pool", warning.Pool.Hex()), zap.String("reason", warning.Reason))
			}
			if len(pools) == 0 {
				return fmt.Errorf("pool %s state could not be decoded", poolAddr.Hex())
			}
			p := pools[0]

			price, err := p.SpotPrice(decimals0, decimals1)
			if err != nil {
				return err
			}
			amountOut, err := p.SimulateSwap(amountIn, zeroForOne)
			if err != nil {
				return err
			}

			fmt.Printf("pool       %s (%s, %s)\n", p.Address.Hex(), p.DexID, p.Variant)
			fmt.Printf("spot price %s token1/token0\n", price.FloatString(12))
			fmt.Printf("amount in  %s\n", amountIn.String())
			fmt.Printf("amount out %s\n", amountOut.String())
			return nil
		}
	}

	return fmt.Errorf("pool %s not present in checkpoint", poolAddr.Hex())
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
