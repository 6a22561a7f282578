package params

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Bootstrap modes understood by the sync reconciler when the local chain
// exists but the network has no height information.
const (
	BootstrapStartFromScratch = "start_from_scratch"
	BootstrapRebuildFromDisk  = "rebuild_from_disk"
)

var ErrUnknownBootstrapMode = errors.New("unknown bootstrap mode")

type Consensus struct {
	// GenesisTime is the start of round 0. Every node of a network must agree on it.
	GenesisTime   time.Time
	RoundDuration time.Duration
	// Phase lengths inside one round. Whatever remains after both belongs to EndRound.
	StartRoundDuration   time.Duration
	ProposeBlockDuration time.Duration
	// Roster lists the hex compressed public keys of the signing group, in
	// bitmap order. Empty means the node signs alone.
	Roster      []string
	ClockOffset time.Duration
}

type Node struct {
	Name          string
	Shard         uint32
	NumShards     uint32
	DataDir       string
	PrivateKeyHex string
	PoolCapacity  int
	MaxBlockTxs   int
	Verbose       bool
	LogFile       string
}

type Genesis struct {
	MintAddress string
	MintAmount  string // decimal, arbitrary precision
}

type Sync struct {
	BootstrapMode string
	Interval      time.Duration
	HeightTimeout time.Duration
}

type Network struct {
	ListenAddr string
	Bootstrap  []string
}

type API struct {
	Enabled bool
	Addr    string
}

type Config struct {
	Consensus Consensus
	Node      Node
	Genesis   Genesis
	Sync      Sync
	Network   Network
	API       API
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			GenesisTime:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			RoundDuration:        4 * time.Second,
			StartRoundDuration:   500 * time.Millisecond,
			ProposeBlockDuration: 2 * time.Second,
		},
		Node: Node{
			Name:         "node-0",
			NumShards:    1,
			DataDir:      "data/node-0",
			PoolCapacity: 50000,
			MaxBlockTxs:  5000,
		},
		Genesis: Genesis{
			MintAddress: "0x00000000000000000000000000000000000000a1",
			MintAmount:  "1000000000000000000000000",
		},
		Sync: Sync{
			BootstrapMode: BootstrapStartFromScratch,
			Interval:      5 * time.Second,
			HeightTimeout: 2 * time.Second,
		},
		Network: Network{
			ListenAddr: "/ip4/0.0.0.0/tcp/4001",
		},
		API: API{
			Enabled: true,
			Addr:    ":8080",
		},
	}
}

// MintValue parses the genesis mint amount.
func (g Genesis) MintValue() (*big.Int, error) {
	v, ok := new(big.Int).SetString(g.MintAmount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid mint amount %q", g.MintAmount)
	}
	return v, nil
}

func (c Config) Validate() error {
	if c.Consensus.RoundDuration <= 0 {
		return errors.New("round duration must be positive")
	}
	if c.Consensus.StartRoundDuration+c.Consensus.ProposeBlockDuration > c.Consensus.RoundDuration {
		return fmt.Errorf("phases (%s + %s) exceed round duration %s",
			c.Consensus.StartRoundDuration, c.Consensus.ProposeBlockDuration, c.Consensus.RoundDuration)
	}
	if c.Node.NumShards == 0 {
		return errors.New("number of shards must be at least 1")
	}
	if c.Node.Shard >= c.Node.NumShards {
		return fmt.Errorf("shard %d out of range [0,%d)", c.Node.Shard, c.Node.NumShards)
	}
	if c.Node.PoolCapacity <= 0 {
		return errors.New("pool capacity must be positive")
	}
	if len(c.Consensus.Roster) > 64 {
		return fmt.Errorf("roster of %d signers does not fit a 64-bit bitmap", len(c.Consensus.Roster))
	}
	if _, err := c.Genesis.MintValue(); err != nil {
		return err
	}
	switch c.Sync.BootstrapMode {
	case BootstrapStartFromScratch, BootstrapRebuildFromDisk:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBootstrapMode, c.Sync.BootstrapMode)
	}
	return nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("NODE_SHARD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Node.Shard = uint32(n)
		}
	}
	if v := os.Getenv("NODE_NUM_SHARDS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Node.NumShards = uint32(n)
		}
	}
	cfg.Node.DataDir = getEnv("NODE_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.PrivateKeyHex = getEnv("NODE_PRIVATE_KEY", cfg.Node.PrivateKeyHex)
	cfg.Node.LogFile = getEnv("NODE_LOG_FILE", cfg.Node.LogFile)
	if v := os.Getenv("NODE_POOL_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.PoolCapacity = n
		}
	}
	if v := os.Getenv("VERBOSE"); v != "" {
		cfg.Node.Verbose = v == "true"
	}

	if v := os.Getenv("CONSENSUS_GENESIS_UNIX_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Consensus.GenesisTime = time.UnixMilli(ms).UTC()
		}
	}
	if v := os.Getenv("CONSENSUS_ROUND_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.RoundDuration = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_PROPOSE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.ProposeBlockDuration = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_CLOCK_OFFSET_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.ClockOffset = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_ROSTER"); v != "" {
		cfg.Consensus.Roster = splitList(v)
	}

	cfg.Genesis.MintAddress = getEnv("GENESIS_MINT_ADDRESS", cfg.Genesis.MintAddress)
	cfg.Genesis.MintAmount = getEnv("GENESIS_MINT_AMOUNT", cfg.Genesis.MintAmount)

	cfg.Sync.BootstrapMode = getEnv("SYNC_BOOTSTRAP_MODE", cfg.Sync.BootstrapMode)
	if v := os.Getenv("SYNC_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Interval = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Network.ListenAddr = getEnv("P2P_LISTEN_ADDR", cfg.Network.ListenAddr)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.Network.Bootstrap = splitList(v)
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("API_ENABLED"); v != "" {
		cfg.API.Enabled = v == "true"
	}

	return cfg
}

// LoadFile reads a config file (yaml, toml or json, chosen by extension) on
// top of the defaults. SHARDNODE_* environment variables override file values,
// e.g. SHARDNODE_NODE_SHARD=2.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("shardnode")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if v.IsSet("consensus.genesis_unix_ms") {
		cfg.Consensus.GenesisTime = time.UnixMilli(v.GetInt64("consensus.genesis_unix_ms")).UTC()
	}
	if v.IsSet("consensus.round_duration") {
		cfg.Consensus.RoundDuration = v.GetDuration("consensus.round_duration")
	}
	if v.IsSet("consensus.start_round_duration") {
		cfg.Consensus.StartRoundDuration = v.GetDuration("consensus.start_round_duration")
	}
	if v.IsSet("consensus.propose_block_duration") {
		cfg.Consensus.ProposeBlockDuration = v.GetDuration("consensus.propose_block_duration")
	}
	if v.IsSet("consensus.clock_offset") {
		cfg.Consensus.ClockOffset = v.GetDuration("consensus.clock_offset")
	}
	if v.IsSet("consensus.roster") {
		cfg.Consensus.Roster = v.GetStringSlice("consensus.roster")
	}

	if v.IsSet("node.name") {
		cfg.Node.Name = v.GetString("node.name")
	}
	if v.IsSet("node.shard") {
		cfg.Node.Shard = v.GetUint32("node.shard")
	}
	if v.IsSet("node.num_shards") {
		cfg.Node.NumShards = v.GetUint32("node.num_shards")
	}
	if v.IsSet("node.data_dir") {
		cfg.Node.DataDir = v.GetString("node.data_dir")
	}
	if v.IsSet("node.private_key") {
		cfg.Node.PrivateKeyHex = v.GetString("node.private_key")
	}
	if v.IsSet("node.pool_capacity") {
		cfg.Node.PoolCapacity = v.GetInt("node.pool_capacity")
	}
	if v.IsSet("node.max_block_txs") {
		cfg.Node.MaxBlockTxs = v.GetInt("node.max_block_txs")
	}
	if v.IsSet("node.verbose") {
		cfg.Node.Verbose = v.GetBool("node.verbose")
	}
	if v.IsSet("node.log_file") {
		cfg.Node.LogFile = v.GetString("node.log_file")
	}

	if v.IsSet("genesis.mint_address") {
		cfg.Genesis.MintAddress = v.GetString("genesis.mint_address")
	}
	if v.IsSet("genesis.mint_amount") {
		cfg.Genesis.MintAmount = v.GetString("genesis.mint_amount")
	}

	if v.IsSet("sync.bootstrap_mode") {
		cfg.Sync.BootstrapMode = v.GetString("sync.bootstrap_mode")
	}
	if v.IsSet("sync.interval") {
		cfg.Sync.Interval = v.GetDuration("sync.interval")
	}
	if v.IsSet("sync.height_timeout") {
		cfg.Sync.HeightTimeout = v.GetDuration("sync.height_timeout")
	}

	if v.IsSet("network.listen_addr") {
		cfg.Network.ListenAddr = v.GetString("network.listen_addr")
	}
	if v.IsSet("network.bootstrap") {
		cfg.Network.Bootstrap = v.GetStringSlice("network.bootstrap")
	}

	if v.IsSet("api.enabled") {
		cfg.API.Enabled = v.GetBool("api.enabled")
	}
	if v.IsSet("api.addr") {
		cfg.API.Addr = v.GetString("api.addr")
	}

	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
