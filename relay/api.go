package relay

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skatebounties/relay-node/metrics"
)

var estimateTimeout = 5 * time.Second

// EstimationBackend answers gas dry-runs. Estimates don't need the funded
// key, so they can be spread over a pool of cheaper read-only nodes.
type EstimationBackend interface {
	EstimateCall(ctx context.Context, call *EstimateCallArgs) (uint64, error)
}

type EstimateCallArgs struct {
	From common.Address  `json:"from"`
	To   *common.Address `json:"to"`
	Data hexutil.Bytes   `json:"data"`
}

// PriceSource reports the current ETH/USD exchange rate.
type PriceSource interface {
	EthUSD(ctx context.Context) (*big.Float, error)
}

// API is the endpoint-facing layer over the relayer core.
type API struct {
	log *zap.Logger

	relayer             *Relayer
	estimators          []EstimationBackend
	estimateRateLimiter *rate.Limiter
	prices              PriceSource

	inFlight atomic.Int64
}

func NewAPI(
	log *zap.Logger, relayer *Relayer,
	estimators []EstimationBackend, estimateRateLimit rate.Limit, prices PriceSource,
) *API {
	return &API{
		log: log,

		relayer:             relayer,
		estimators:          estimators,
		estimateRateLimiter: rate.NewLimiter(estimateRateLimit, 1),
		prices:              prices,
	}
}

func (a *API) Relay(ctx context.Context, req *MetaTransactionRequest) (_ *RelayResponse, err error) {
	startAt := time.Now()
	a.inFlight.Add(1)
	defer func() {
		a.inFlight.Add(-1)
		metrics.RecordEndpointDuration(RelayEndpoint, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncEndpointFailure(RelayEndpoint)
		}
	}()

	receipt, err := a.relayer.RelayTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	return &RelayResponse{
		TxHash:  receipt.TxHash,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

func (a *API) Status(ctx context.Context) (*StatusResponse, error) {
	balance, err := a.relayer.Balance(ctx)
	if err != nil {
		a.log.Error("Failed to fetch relayer balance", zap.Error(err))
		return &StatusResponse{Online: false, QueueLength: a.inFlight.Load()}, nil
	}
	return &StatusResponse{
		Online:      true,
		Balance:     formatUnits(balance, "eth"),
		QueueLength: a.inFlight.Load(),
	}, nil
}

func (a *API) Estimate(ctx context.Context, req *EstimateRequest) (_ *EstimateResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordEndpointDuration(EstimateEndpoint, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncEndpointFailure(EstimateEndpoint)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, estimateTimeout)
	defer cancel()

	if err := a.estimateRateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var gas uint64
	if len(a.estimators) == 0 {
		gas, err = a.relayer.EstimateGas(ctx, req)
	} else {
		gas, err = a.estimateRemote(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	return &EstimateResponse{
		GasEstimate: strconv.FormatUint(gas, 10),
		CostInUSD:   a.costInUSD(ctx, gas),
	}, nil
}

func (a *API) estimateRemote(ctx context.Context, req *EstimateRequest) (uint64, error) {
	calldata, err := a.relayer.PackCall(req.To, req.FunctionName, req.Params)
	if err != nil {
		return 0, err
	}
	// select random backend
	idx := rand.Intn(len(a.estimators)) //nolint:gosec
	gas, err := a.estimators[idx].EstimateCall(ctx, &EstimateCallArgs{
		From: a.relayer.Address(),
		To:   &req.To,
		Data: calldata,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrEstimationFailed, err)
	}
	return gas, nil
}

// costInUSD is best effort: the estimate stands on its own and the USD figure
// is empty when no price feed is configured or it is unavailable.
func (a *API) costInUSD(ctx context.Context, gas uint64) string {
	if a.prices == nil {
		return ""
	}
	gasPrice, err := a.relayer.GasPrice(ctx)
	if err != nil {
		a.log.Warn("Failed to fetch gas price for estimate", zap.Error(err))
		return ""
	}
	ethUSD, err := a.prices.EthUSD(ctx)
	if err != nil {
		a.log.Warn("Failed to fetch ETH price", zap.Error(err))
		return ""
	}
	costWei := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	costEth := new(big.Float).Quo(new(big.Float).SetInt(costWei), new(big.Float).SetUint64(params.Ether))
	costUSD := new(big.Float).Mul(costEth, ethUSD)
	return costUSD.Text('f', 2)
}
