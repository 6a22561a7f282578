package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardnode/pkg/account"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/consensus"
	"github.com/uhyunpark/shardnode/pkg/crypto"
	"github.com/uhyunpark/shardnode/pkg/util"
)

// ---- Read-side collaborators ----

type ChainReader interface {
	Shard() uint32
	Tip() *chain.Block
	MaxHeight() (int64, error)
	BlockAtHeight(height uint64) (*chain.Block, error)
	ReceiptForTransaction(txHash common.Hash) (*chain.Receipt, bool, error)
}

type AccountReader interface {
	GetOrCreate(addr common.Address) (*account.State, error)
}

type NetworkHeight interface {
	MaxHeight(ctx context.Context) (int64, error)
}

type TxSubmitter interface {
	Submit(ctx context.Context, tx *chain.Transaction) error
}

type Deps struct {
	NodeName string
	Chain    ChainReader
	Accounts AccountReader
	Network  NetworkHeight
	Submit   TxSubmitter
	Pool     interface{ Len() int }
	Sync     consensus.Synchronizer
	Stats    *consensus.Statistics
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	deps   Deps
	log    *zap.SugaredLogger
	router *mux.Router
	hub    *Hub
}

func NewServer(deps Deps) *Server {
	log := util.OrNop(deps.Logger)
	s := &Server{
		deps:   deps,
		log:    log,
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/blocks/{nonce}", s.handleGetBlock).Methods("GET")
	api.HandleFunc("/receipts/{txHash}", s.handleGetReceipt).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/transactions", s.handleSubmitTransaction).Methods("POST")

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	height, err := s.deps.Chain.MaxHeight()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage error", err.Error())
		return
	}
	info := StatusInfo{
		Node:          s.deps.NodeName,
		Shard:         s.deps.Chain.Shard(),
		Height:        height,
		NetworkHeight: -1,
	}
	if tip := s.deps.Chain.Tip(); tip != nil {
		info.TipHash = tip.Hash().Hex()
	}
	if s.deps.Network != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if nh, err := s.deps.Network.MaxHeight(ctx); err == nil {
			info.NetworkHeight = nh
		}
		cancel()
	}
	if s.deps.Sync != nil {
		info.Synchronized = s.deps.Sync.Synchronized()
	}
	if s.deps.Pool != nil {
		info.PendingTxs = s.deps.Pool.Len()
	}
	if s.deps.Stats != nil {
		st := s.deps.Stats.Snapshot()
		info.Rounds = st.Rounds
		info.Processed = st.TotalProcessed
		info.LiveTPS = st.LiveTPS
		info.AverageTPS = st.AverageTPS
		info.MaxTPS = st.MaxTPS
		info.AverageTxs = st.AverageTxs
		info.AverageRoundMs = st.AverageRound.Milliseconds()
	}
	respondJSON(w, info)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	nonce, err := strconv.ParseUint(mux.Vars(r)["nonce"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid nonce", err.Error())
		return
	}
	b, err := s.deps.Chain.BlockAtHeight(nonce)
	if errors.Is(err, chain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "block not found", "")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage error", err.Error())
		return
	}
	respondJSON(w, blockInfo(b))
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["txHash"]
	if !isHexHash(raw) {
		respondError(w, http.StatusBadRequest, "invalid transaction hash", "")
		return
	}
	rc, ok, err := s.deps.Chain.ReceiptForTransaction(common.HexToHash(raw))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage error", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "receipt not found", "")
		return
	}
	respondJSON(w, ReceiptInfo{
		TxHash:    rc.TxHash.Hex(),
		BlockHash: rc.BlockHash.Hex(),
		Status:    rc.Status.String(),
		Log:       rc.Log,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	st, err := s.deps.Accounts.GetOrCreate(addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage error", err.Error())
		return
	}
	respondJSON(w, AccountInfo{Address: addr.Hex(), Balance: st.Balance.String(), Nonce: st.Nonce})
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submit == nil {
		respondError(w, http.StatusServiceUnavailable, "submission disabled", "")
		return
	}
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	tx, err := req.transaction()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return
	}
	if err := s.deps.Submit.Submit(r.Context(), tx); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "transaction rejected", err.Error())
		return
	}
	s.log.Debugw("tx_submitted", "tx", tx.Hash().TerminalString(), "sender", tx.Sender.Hex())
	respondJSON(w, TransactionResponse{TxHash: tx.Hash().Hex()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from consensus)
// ==============================

// BroadcastBlock pushes a committed block to WebSocket clients.
func (s *Server) BroadcastBlock(b *chain.Block) {
	s.hub.Publish("blocks", BlockUpdate{Type: "block", Block: blockInfo(b)})
}

// ==============================
// Helper Functions
// ==============================

func (req TransactionRequest) transaction() (*chain.Transaction, error) {
	sender, err := crypto.ParseAddress(req.Sender)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	receiver, err := crypto.ParseAddress(req.Receiver)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		return nil, errors.New("value must be a decimal integer")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		return nil, errors.New("signature must be hex")
	}
	return &chain.Transaction{
		Sender:    sender,
		Receiver:  receiver,
		Value:     value,
		Nonce:     req.Nonce,
		Signature: sig,
	}, nil
}

func blockInfo(b *chain.Block) BlockInfo {
	txs := make([]string, len(b.TxHashes))
	for i, h := range b.TxHashes {
		txs[i] = h.Hex()
	}
	return BlockInfo{
		Hash:          b.Hash().Hex(),
		Nonce:         b.Nonce,
		PrevBlockHash: b.PrevBlockHash.Hex(),
		Shard:         b.Shard,
		Round:         b.RoundIndex,
		Timestamp:     b.Timestamp,
		StateRoot:     b.AppStateHash.Hex(),
		Transactions:  txs,
		Signers:       len(b.PublicKeys),
		Peers:         b.Peers,
	}
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
