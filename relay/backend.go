package relay

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
)

// JSONRPCEstimationBackend runs gas dry-runs against a plain JSON-RPC
// execution endpoint.
type JSONRPCEstimationBackend struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCEstimationBackend(url string) *JSONRPCEstimationBackend {
	return &JSONRPCEstimationBackend{
		client: jsonrpc.NewClient(url),
	}
}

func (b *JSONRPCEstimationBackend) EstimateCall(ctx context.Context, call *EstimateCallArgs) (uint64, error) {
	var result hexutil.Uint64
	err := b.client.CallFor(ctx, &result, "eth_estimateGas", []*EstimateCallArgs{call})
	if err != nil {
		return 0, err
	}
	return uint64(result), nil
}
