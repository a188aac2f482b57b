package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/skatebounties/relay-node/metrics"
)

const (
	DefaultMaxGasLimit         = 1_000_000
	DefaultConfirmationTimeout = 2 * time.Minute

	receiptPollInterval    = 500 * time.Millisecond
	receiptPollMaxInterval = 5 * time.Second
)

// defaultMaxGasPrice caps the sponsor's fee exposure when no ceiling is configured.
var defaultMaxGasPrice = big.NewInt(500 * 1e9) // 500 gwei

// EthBackend is the subset of the execution client the relayer needs.
// *ethclient.Client satisfies it.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config bounds the sponsor's exposure per relayed transaction. Immutable
// after the relayer is constructed.
type Config struct {
	// MaxGasPrice is the fee cap in wei for outgoing transactions.
	MaxGasPrice *big.Int
	// MaxGasLimit is the hard gas ceiling per relayed call.
	MaxGasLimit uint64
	// ConfirmationTimeout bounds the receipt wait after broadcast.
	ConfirmationTimeout time.Duration
}

// Relayer submits user-authorized contract calls from its own funded account.
// Safe for concurrent use; the only serialized section is the account nonce
// assignment so concurrent relays cannot collide on-chain.
type Relayer struct {
	log        *zap.Logger
	eth        EthBackend
	cfg        Config
	key        *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
	registry   *ContractRegistry
	limiter    RateLimiter
	nonces     NonceTracker
	accountant GasAccountant

	// account nonce for the relayer's own outgoing transactions, distinct
	// from the per-request meta-transaction nonce
	nonceMu     sync.Mutex
	nextNonce   uint64
	nonceSynced bool
}

func NewRelayer(
	log *zap.Logger, eth EthBackend, key *ecdsa.PrivateKey, chainID *big.Int, cfg Config,
	registry *ContractRegistry, limiter RateLimiter, nonces NonceTracker, accountant GasAccountant,
) *Relayer {
	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = defaultMaxGasPrice
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = DefaultMaxGasLimit
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	return &Relayer{
		log:        log.Named("relayer"),
		eth:        eth,
		cfg:        cfg,
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		signer:     types.LatestSignerForChainID(chainID),
		registry:   registry,
		limiter:    limiter,
		nonces:     nonces,
		accountant: accountant,
	}
}

func (r *Relayer) Address() common.Address {
	return r.address
}

func (r *Relayer) ChainID() *big.Int {
	return r.chainID
}

// PackCall resolves the request target against the sponsored-contract
// allowlist and returns the calldata for it.
func (r *Relayer) PackCall(to common.Address, functionName string, params []any) ([]byte, error) {
	calldata, _, err := r.registry.PackCall(to, functionName, params)
	return calldata, err
}

// RelayTransaction verifies, rate limits, submits and awaits one
// meta-transaction. Rejections happen before any on-chain action; once the
// transaction is broadcast the only remaining failure is the confirmation
// timeout, which callers must treat as an ambiguous outcome.
func (r *Relayer) RelayTransaction(ctx context.Context, req *MetaTransactionRequest) (*RelayReceipt, error) {
	logger := r.log.With(
		zap.String("from", req.From.Hex()),
		zap.String("to", req.To.Hex()),
		zap.String("function", req.FunctionName),
	)
	metrics.IncRelaysReceived()

	calldata, packedArgs, err := r.registry.PackCall(req.To, req.FunctionName, req.Params)
	if err != nil {
		logger.Warn("Rejected relay request", zap.Error(err))
		return nil, err
	}

	if err := VerifyRequest(req, packedArgs, r.chainID); err != nil {
		logger.Warn("Rejected relay request with bad signature", zap.Error(err))
		metrics.IncRelaysRejectedSignature()
		return nil, err
	}

	allowed, err := r.limiter.CheckAndConsume(ctx, req.From)
	if err != nil {
		logger.Error("Rate limiter failure", zap.Error(err))
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		metrics.IncRelaysRejectedRateLimit()
		return nil, ErrRateLimitExceeded
	}

	if err := r.nonces.Consume(ctx, req.From, req.To, req.Nonce); err != nil {
		logger.Warn("Rejected replayed request", zap.Error(err))
		metrics.IncRelaysRejectedReplay()
		return nil, err
	}

	tx, err := r.submit(ctx, req.To, calldata)
	if err != nil {
		metrics.IncRelaysSubmissionFailed()
		return nil, fmt.Errorf("%w: %s", ErrSubmissionFailed, err)
	}
	logger = logger.With(zap.String("tx", tx.Hash().Hex()))
	logger.Info("Broadcast relay transaction", zap.Uint64("relayer_nonce", tx.Nonce()))

	receipt, err := r.waitConfirmed(ctx, tx.Hash())
	if err != nil {
		metrics.IncRelaysConfirmationTimeout()
		return nil, err
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	if err := r.accountant.RecordGasUsage(ctx, &GasUsageRecord{
		UserAddress:       req.From,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		CostWei:           cost,
		TxHash:            receipt.TxHash,
	}); err != nil {
		// accounting is a side channel, the relay itself succeeded
		logger.Error("Failed to record gas usage", zap.Error(err))
	}

	metrics.IncRelaysConfirmed()
	metrics.AddGasSponsored(receipt.GasUsed)
	logger.Info("Relay confirmed",
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.String("eth_cost", formatUnits(cost, "eth")),
	)

	return &RelayReceipt{
		TxHash:            receipt.TxHash,
		From:              req.From,
		To:                req.To,
		Status:            receipt.Status,
		BlockNumber:       hexutil.Uint64(receipt.BlockNumber.Uint64()),
		GasUsed:           hexutil.Uint64(receipt.GasUsed),
		EffectiveGasPrice: (*hexutil.Big)(receipt.EffectiveGasPrice),
		Logs:              receipt.Logs,
	}, nil
}

// EstimateGas dry-runs a request against the node. No signature, rate limit,
// nonce or accounting state is touched.
func (r *Relayer) EstimateGas(ctx context.Context, req *EstimateRequest) (uint64, error) {
	calldata, _, err := r.registry.PackCall(req.To, req.FunctionName, req.Params)
	if err != nil {
		return 0, err
	}
	gas, err := r.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: r.address,
		To:   &req.To,
		Data: calldata,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrEstimationFailed, err)
	}
	return gas, nil
}

// BatchRelay relays the requests strictly in input order. Failures are
// isolated per request: the batch never aborts early and the result slice
// always has one entry per input, carrying either a receipt or an error.
func (r *Relayer) BatchRelay(ctx context.Context, reqs []*MetaTransactionRequest) []BatchResult {
	results := make([]BatchResult, 0, len(reqs))
	for _, req := range reqs {
		receipt, err := r.RelayTransaction(ctx, req)
		if err != nil {
			r.log.Warn("Failed to relay batched transaction",
				zap.String("from", req.From.Hex()), zap.Error(err))
			results = append(results, BatchResult{Request: req, Err: err})
			continue
		}
		results = append(results, BatchResult{Request: req, Receipt: receipt})
	}
	return results
}

// Balance returns the relayer account's funding balance in wei.
func (r *Relayer) Balance(ctx context.Context) (*big.Int, error) {
	return r.eth.BalanceAt(ctx, r.address, nil)
}

// GasPrice returns the node's suggested gas price capped by the configured ceiling.
func (r *Relayer) GasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := r.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if gasPrice.Cmp(r.cfg.MaxGasPrice) > 0 {
		gasPrice = new(big.Int).Set(r.cfg.MaxGasPrice)
	}
	return gasPrice, nil
}

func (r *Relayer) submit(ctx context.Context, to common.Address, calldata []byte) (*types.Transaction, error) {
	gas, err := r.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: r.address,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		return nil, err
	}
	// headroom for state drift between estimate and inclusion
	gas += gas / 5
	if gas > r.cfg.MaxGasLimit {
		gas = r.cfg.MaxGasLimit
	}

	feeCap, err := r.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	tipCap, err := r.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	if tipCap.Cmp(feeCap) > 0 {
		tipCap = new(big.Int).Set(feeCap)
	}

	r.nonceMu.Lock()
	defer r.nonceMu.Unlock()
	if !r.nonceSynced {
		nonce, err := r.eth.PendingNonceAt(ctx, r.address)
		if err != nil {
			return nil, err
		}
		r.nextNonce = nonce
		r.nonceSynced = true
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     r.nextNonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      calldata,
	})
	signed, err := types.SignTx(tx, r.signer, r.key)
	if err != nil {
		return nil, err
	}
	if err := r.eth.SendTransaction(ctx, signed); err != nil {
		// the node may have rejected the nonce, resync before the next relay
		r.nonceSynced = false
		return nil, err
	}
	r.nextNonce++
	return signed, nil
}

func (r *Relayer) waitConfirmed(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmationTimeout)
	defer cancel()

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = receiptPollInterval
	poll.MaxInterval = receiptPollMaxInterval
	poll.MaxElapsedTime = r.cfg.ConfirmationTimeout

	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		rec, err := r.eth.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = rec
		return nil
	}, backoff.WithContext(poll, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, txHash.Hex())
	}
	return receipt, nil
}
