package relay

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNonceAlreadyUsed    = errors.New("nonce already used")
	ErrUnknownContract     = errors.New("contract not sponsored")
	ErrUnknownFunction     = errors.New("unknown contract function")
	ErrInvalidParams       = errors.New("invalid call params")
	ErrSubmissionFailed    = errors.New("transaction submission failed")
	ErrConfirmationTimeout = errors.New("confirmation timeout, transaction may still be pending")
	ErrEstimationFailed    = errors.New("gas estimation failed")
)

const (
	RelayEndpoint    = "/relay"
	StatusEndpoint   = "/status"
	EstimateEndpoint = "/estimate"
)

// MetaTransactionRequest is a user-signed instruction to call a sponsored
// contract on the user's behalf. The signature covers
// (to, functionName, abi-encoded params, nonce, chainId), see BuildMessageHash.
type MetaTransactionRequest struct {
	To           common.Address `json:"to"`
	FunctionName string         `json:"functionName"`
	Params       []any          `json:"params"`
	Nonce        common.Hash    `json:"nonce"`
	Signature    hexutil.Bytes  `json:"signature"`
	From         common.Address `json:"from"`
}

// EstimateRequest is a MetaTransactionRequest without the fields that only
// matter once the call is actually relayed.
type EstimateRequest struct {
	To           common.Address `json:"to"`
	FunctionName string         `json:"functionName"`
	Params       []any          `json:"params"`
}

type RelayReceipt struct {
	TxHash            common.Hash    `json:"txHash"`
	From              common.Address `json:"from"`
	To                common.Address `json:"to"`
	Status            uint64         `json:"status"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	Logs              []*types.Log   `json:"logs"`
}

// BatchResult is the per-request outcome of a batch relay. Exactly one of
// Receipt and Err is set.
type BatchResult struct {
	Request *MetaTransactionRequest
	Receipt *RelayReceipt
	Err     error
}

type RelayResponse struct {
	TxHash  common.Hash `json:"txHash"`
	Success bool        `json:"success"`
}

type StatusResponse struct {
	Online      bool   `json:"online"`
	Balance     string `json:"balance"`
	QueueLength int64  `json:"queueLength"`
}

type EstimateResponse struct {
	GasEstimate string `json:"gasEstimate"`
	CostInUSD   string `json:"costInUSD"`
}
