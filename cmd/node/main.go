package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/shardnode/params"
	"github.com/uhyunpark/shardnode/pkg/account"
	"github.com/uhyunpark/shardnode/pkg/api"
	"github.com/uhyunpark/shardnode/pkg/bootstrap"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/chronology"
	"github.com/uhyunpark/shardnode/pkg/consensus"
	"github.com/uhyunpark/shardnode/pkg/crypto"
	"github.com/uhyunpark/shardnode/pkg/execution"
	"github.com/uhyunpark/shardnode/pkg/mempool"
	"github.com/uhyunpark/shardnode/pkg/p2p"
	"github.com/uhyunpark/shardnode/pkg/sharding"
	"github.com/uhyunpark/shardnode/pkg/storage"
	"github.com/uhyunpark/shardnode/pkg/util"
)

func main() {
	// CONFIG_FILE selects a yaml/toml/json file; otherwise .env and the environment.
	cfg := params.LoadFromEnv("")
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = params.LoadFile(path); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "node.log")
	}
	logger, err := util.NewLoggerWithFile(logFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Identity ----
	key, err := nodeKey(cfg.Node.PrivateKeyHex, sugar)
	if err != nil {
		return err
	}

	// ---- Storage ----
	db, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open chain store: %w", err)
	}
	defer db.Close()
	replica, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "replica"))
	if err != nil {
		return fmt.Errorf("open replica store: %w", err)
	}
	defer replica.Close()
	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "commits.wal"))
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer wal.Close()

	shards, err := sharding.New(cfg.Node.NumShards, cfg.Node.Shard)
	if err != nil {
		return err
	}
	bc, err := chain.NewBlockchain(db, shards.CurrentShard())
	if err != nil {
		return fmt.Errorf("open blockchain: %w", err)
	}
	accounts := account.NewAccounts(db)
	exec := execution.NewExecutor(sugar.Named("exec"))
	pool := mempool.NewMempool(cfg.Node.PoolCapacity)

	// ---- Network ----
	lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Network.ListenAddr,
		Bootstrap:  cfg.Network.Bootstrap,
		PrivateKey: key.PrivateKeyBytes(),
		Logger:     sugar.Named("p2p"),
	})
	if err != nil {
		return fmt.Errorf("libp2p: %w", err)
	}
	defer lpn.Close()
	index := p2p.NewObjectIndex(replica, lpn)
	if err := lpn.ServeObjects(ctx, index); err != nil {
		return err
	}

	// ---- Rounds ----
	clock := util.OffsetClock{Base: util.RealClock{}, Offset: cfg.Consensus.ClockOffset}
	chrono := chronology.NewService(clock,
		cfg.Consensus.RoundDuration, cfg.Consensus.StartRoundDuration, cfg.Consensus.ProposeBlockDuration)
	genesisMs := cfg.Consensus.GenesisTime.UnixMilli()

	rosterKeys := cfg.Consensus.Roster
	if len(rosterKeys) == 0 {
		rosterKeys = []string{key.PublicKeyHex()}
	}
	roster, err := consensus.NewRoster(rosterKeys)
	if err != nil {
		return err
	}
	ids := make([]string, 0, roster.Len())
	for _, pub := range roster.Keys() {
		id, err := p2p.PeerIDFromPublicKey(pub)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	ms := crypto.NewMultiSig()

	// ---- Sync ----
	mint, err := cfg.Genesis.MintValue()
	if err != nil {
		return err
	}
	mintAddr, err := crypto.ParseAddress(cfg.Genesis.MintAddress)
	if err != nil {
		return fmt.Errorf("genesis mint address: %w", err)
	}
	rec := bootstrap.NewReconciler(bc, accounts, exec, index, bootstrap.GenesisSpec{
		MintAddress: mintAddr,
		MintAmount:  mint,
		Shard:       shards.CurrentShard(),
		Timestamp:   uint64(genesisMs),
	}, cfg.Sync.BootstrapMode)
	rec.Interval = cfg.Sync.Interval
	rec.HeightTimeout = cfg.Sync.HeightTimeout
	rec.Clock = clock
	rec.VerifyBlock = func(b *chain.Block) bool { return consensus.VerifyBlockSignature(ms, b) }
	rec.Logger = sugar.Named("sync")
	rec.Pool = pool

	// Sync and consensus both move the tip; they take turns under one lock.
	var writer sync.Mutex
	rec.Writer = &writer

	// ---- Consensus ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := consensus.NewStatistics(reg)

	state := consensus.NewConsensusState(lpn.SelfID(), key, pool, consensus.RoundRobinElector{IDs: ids})
	asm := &consensus.Assembler{
		State:       state,
		Chain:       bc,
		Accounts:    accounts,
		Exec:        exec,
		Chrono:      chrono,
		Net:         lpn,
		Roster:      roster,
		Signer:      consensus.NewLocalCollector(ms, key),
		Stats:       stats,
		GenesisTime: genesisMs,
		MaxTxs:      cfg.Node.MaxBlockTxs,
		Logger:      sugar.Named("assembler"),
	}
	pipe := &consensus.Pipeline{
		Safety:   consensus.NewSafety(chrono, genesisMs, ms),
		Chain:    bc,
		Accounts: accounts,
		Exec:     exec,
		Pool:     pool,
		Net:      lpn,
		Index:    index,
		Shards:   shards,
		Stats:    stats,
		WAL:      wal,
		Writer:   &writer,
		Logger:   sugar.Named("commit"),
	}
	engine := consensus.NewEngine(state, consensus.NewPacemaker(chrono, genesisMs), asm, pipe, rec)
	engine.Logger = sugar.Named("engine")
	engine.VerboseLogging = cfg.Node.Verbose

	ingress := &consensus.TxIngress{Chain: bc, Pool: pool, Shards: shards, Net: lpn, Logger: sugar.Named("ingress")}
	if err := ingress.Attach(ctx, lpn); err != nil {
		return err
	}
	// A block announced by another node is a hint that the network moved on.
	if err := lpn.Subscribe(ctx, p2p.ChannelBlock, shards.CurrentShard(), func(string, []byte) { rec.Nudge() }); err != nil {
		return err
	}

	sugar.Infow("node_starting",
		"name", cfg.Node.Name,
		"peer_id", lpn.SelfID(),
		"address", key.Address().Hex(),
		"shard", shards.CurrentShard(),
		"shards", shards.NumberOfShards(),
		"roster", roster.Len(),
		"bootstrap_mode", cfg.Sync.BootstrapMode)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })

	// ---- API Server ----
	if cfg.API.Enabled {
		server := api.NewServer(api.Deps{
			NodeName: cfg.Node.Name,
			Chain:    bc,
			Accounts: accounts,
			Network:  index,
			Submit:   ingress,
			Pool:     pool,
			Sync:     rec,
			Stats:    stats,
			Gatherer: reg,
			Logger:   sugar.Named("api"),
		})
		pipe.OnCommit(server.BroadcastBlock)
		g.Go(func() error {
			sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
			return server.Start(ctx, cfg.API.Addr)
		})
	}

	return g.Wait()
}

func nodeKey(hexKey string, sugar *zap.SugaredLogger) (*crypto.Signer, error) {
	if hexKey != "" {
		return crypto.FromPrivateKeyHex(hexKey)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	sugar.Warnw("ephemeral_node_key", "public_key", key.PublicKeyHex())
	return key, nil
}
