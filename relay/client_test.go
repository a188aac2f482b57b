package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestClientSubmitTransaction(t *testing.T) {
	var got MetaTransactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, RelayEndpoint, r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(&RelayResponse{TxHash: common.HexToHash("0xabc"), Success: true})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	res, err := client.SubmitTransaction(context.Background(), &MetaTransactionRequest{
		To:           common.HexToAddress("0x1111111111111111111111111111111111111111"),
		FunctionName: "vote",
		Params:       []any{"42", true},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, common.HexToHash("0xabc"), res.TxHash)
	require.Equal(t, "vote", got.FunctionName)
}

func TestClientGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, StatusEndpoint, r.URL.Path)
		json.NewEncoder(w).Encode(&StatusResponse{Online: true, Balance: "1.5", QueueLength: 2})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).GetStatus(context.Background())
	require.NoError(t, err)
	require.True(t, res.Online)
	require.Equal(t, "1.5", res.Balance)
	require.Equal(t, int64(2), res.QueueLength)
}

func TestClientEstimateGas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, EstimateEndpoint, r.URL.Path)
		json.NewEncoder(w).Encode(&EstimateResponse{GasEstimate: "50000", CostInUSD: "1.20"})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).EstimateGas(context.Background(), &EstimateRequest{
		To:           common.HexToAddress("0x1111111111111111111111111111111111111111"),
		FunctionName: "vote",
		Params:       []any{"42", true},
	})
	require.NoError(t, err)
	require.Equal(t, "50000", res.GasEstimate)
	require.Equal(t, "1.20", res.CostInUSD)
}

func TestClientRelayerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetStatus(context.Background())
	var relayerErr *RelayerError
	require.ErrorAs(t, err, &relayerErr)
	require.Equal(t, http.StatusTooManyRequests, relayerErr.StatusCode)
	require.Equal(t, "rate limit exceeded", relayerErr.Reason)
}

func TestClientNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetStatus(context.Background())
	var relayerErr *RelayerError
	require.ErrorAs(t, err, &relayerErr)
	require.Equal(t, "bad gateway", relayerErr.Reason)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL).GetStatus(context.Background())
	require.ErrorIs(t, err, ErrRelayerUnreachable)
}

func TestClientTrimsTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, StatusEndpoint, r.URL.Path)
		json.NewEncoder(w).Encode(&StatusResponse{Online: true})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL + "/").GetStatus(context.Background())
	require.NoError(t, err)
}

func TestClientContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(srv.URL).GetStatus(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRelayerUnreachable) || errors.Is(err, context.Canceled))
}
