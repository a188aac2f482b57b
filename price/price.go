// Package price provides the ETH/USD exchange rate used to quote sponsored
// gas costs. Lookups spike when users browse bounty estimates, so the rate is
// cached with a short TTL and concurrent fetches for a cold cache are
// collapsed into a single feed read.
package price

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	cacheKey        = "eth-usd"
	defaultCacheTTL = 30 * time.Second
)

var ErrStalePrice = errors.New("price feed answer is not positive")

// aggregatorABI is the read surface of a Chainlink price feed.
const aggregatorABI = `[
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	]}
]`

// CallBackend is the read-only chain access the source needs.
// *ethclient.Client satisfies it.
type CallBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type result struct {
	price *big.Float
	err   error
}

// ChainlinkSource reads an on-chain Chainlink aggregator.
type ChainlinkSource struct {
	log     *zap.Logger
	eth     CallBackend
	feed    common.Address
	feedABI abi.ABI
	cache   *gocache.Cache

	// written only by the fetch leader
	decimalsSet bool
	decimals    uint8

	mu      sync.Mutex
	waiters []chan<- result
}

func NewChainlinkSource(log *zap.Logger, eth CallBackend, feed common.Address) (*ChainlinkSource, error) {
	feedABI, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, err
	}
	return &ChainlinkSource{
		log:     log.Named("price"),
		eth:     eth,
		feed:    feed,
		feedABI: feedABI,
		cache:   gocache.New(defaultCacheTTL, time.Minute),
	}, nil
}

// EthUSD returns the current ETH/USD rate. While one caller is fetching, any
// other caller for the same cold cache waits for that fetch instead of
// issuing its own.
func (s *ChainlinkSource) EthUSD(ctx context.Context) (*big.Float, error) {
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.(*big.Float), nil
	}

	s.mu.Lock()
	if s.waiters != nil {
		ch := make(chan result, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()
		select {
		case res := <-ch:
			return res.price, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.waiters = make([]chan<- result, 0)
	s.mu.Unlock()

	price, err := s.fetch(ctx)
	if err == nil {
		s.cache.Set(cacheKey, price, gocache.DefaultExpiration)
	}

	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		ch <- result{price: price, err: err}
	}
	return price, err
}

func (s *ChainlinkSource) fetch(ctx context.Context) (*big.Float, error) {
	if !s.decimalsSet {
		decimals, err := s.fetchDecimals(ctx)
		if err != nil {
			return nil, err
		}
		s.decimals = decimals
		s.decimalsSet = true
	}

	data, err := s.feedABI.Pack("latestRoundData")
	if err != nil {
		return nil, err
	}
	out, err := s.eth.CallContract(ctx, ethereum.CallMsg{To: &s.feed, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := s.feedABI.Unpack("latestRoundData", out)
	if err != nil {
		return nil, err
	}
	answer, ok := values[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return nil, ErrStalePrice
	}

	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.decimals)), nil))
	price := new(big.Float).Quo(new(big.Float).SetInt(answer), divisor)
	s.log.Debug("Fetched ETH/USD price", zap.String("price", price.String()))
	return price, nil
}

func (s *ChainlinkSource) fetchDecimals(ctx context.Context) (uint8, error) {
	data, err := s.feedABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := s.eth.CallContract(ctx, ethereum.CallMsg{To: &s.feed, Data: data}, nil)
	if err != nil {
		return 0, err
	}
	values, err := s.feedABI.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, errors.New("unexpected decimals type")
	}
	return decimals, nil
}
