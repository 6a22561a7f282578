package api

// API response types for REST endpoints and WebSocket messages

// StatusInfo is the node's view of its shard.
type StatusInfo struct {
	Node           string  `json:"node"`
	Shard          uint32  `json:"shard"`
	Height         int64   `json:"height"`        // local max height, -1 when empty
	NetworkHeight  int64   `json:"networkHeight"` // -1 when unknown
	TipHash        string  `json:"tipHash,omitempty"`
	Synchronized   bool    `json:"synchronized"`
	PendingTxs     int     `json:"pendingTxs"`
	Rounds         uint64  `json:"rounds"`
	Processed      uint64  `json:"processed"`
	LiveTPS        float64 `json:"liveTps"`
	AverageTPS     float64 `json:"averageTps"`
	MaxTPS         float64 `json:"maxTps"`
	AverageTxs     float64 `json:"averageTxs"`
	AverageRoundMs int64   `json:"averageRoundMs"`
}

type BlockInfo struct {
	Hash          string   `json:"hash"`
	Nonce         uint64   `json:"nonce"`
	PrevBlockHash string   `json:"prevBlockHash"`
	Shard         uint32   `json:"shard"`
	Round         uint64   `json:"round"`
	Timestamp     uint64   `json:"timestamp"` // Unix milliseconds
	StateRoot     string   `json:"stateRoot"`
	Transactions  []string `json:"transactions"`
	Signers       int      `json:"signers"`
	Peers         []string `json:"peers"`
}

type ReceiptInfo struct {
	TxHash    string `json:"txHash"`
	BlockHash string `json:"blockHash"`
	Status    string `json:"status"` // "ACCEPTED" or "REJECTED"
	Log       string `json:"log"`
}

type AccountInfo struct {
	Address string `json:"address"`
	Balance string `json:"balance"` // decimal
	Nonce   uint64 `json:"nonce"`
}

// TransactionRequest submits a signed transfer. Value is decimal, signature hex.
type TransactionRequest struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Value     string `json:"value"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type TransactionResponse struct {
	TxHash string `json:"txHash"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to manage subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// BlockUpdate is pushed on the "blocks" channel after every commit.
type BlockUpdate struct {
	Type  string    `json:"type"` // "block"
	Block BlockInfo `json:"block"`
}
