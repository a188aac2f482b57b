package relay

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const bountyPoolABI = `[
	{"name":"vote","type":"function","inputs":[{"name":"submissionId","type":"uint256"},{"name":"isUpvote","type":"bool"}],"outputs":[]},
	{"name":"createBounty","type":"function","inputs":[{"name":"spotId","type":"uint256"},{"name":"trick","type":"string"},{"name":"reward","type":"uint256"},{"name":"votesRequired","type":"uint8"}],"outputs":[]},
	{"name":"batchVote","type":"function","inputs":[{"name":"submissionIds","type":"uint256[]"},{"name":"isUpvotes","type":"bool[]"}],"outputs":[]},
	{"name":"claim","type":"function","inputs":[{"name":"bountyId","type":"bytes32"},{"name":"recipient","type":"address"}],"outputs":[]}
]`

var testContractAddr = common.HexToAddress("0xcc00000000000000000000000000000000000001")

func newTestRegistry(t *testing.T) *ContractRegistry {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(bountyPoolABI))
	require.NoError(t, err)
	return NewContractRegistry([]*Contract{{
		Name:    "skate-bounty-pool",
		Address: testContractAddr,
		ABI:     parsed,
	}})
}

func TestPackCallVote(t *testing.T) {
	registry := newTestRegistry(t)

	calldata, packedArgs, err := registry.PackCall(testContractAddr, "vote", []any{float64(42), true})
	require.NoError(t, err)

	parsed, err := abi.JSON(strings.NewReader(bountyPoolABI))
	require.NoError(t, err)
	method := parsed.Methods["vote"]

	wantArgs, err := method.Inputs.Pack(big.NewInt(42), true)
	require.NoError(t, err)
	require.Equal(t, wantArgs, packedArgs)
	require.Equal(t, append(method.ID, wantArgs...), calldata)
}

func TestPackCallParamKinds(t *testing.T) {
	registry := newTestRegistry(t)

	tests := []struct {
		name     string
		function string
		params   []any
		wantErr  error
	}{
		{
			name:     "string and sized uint",
			function: "createBounty",
			params:   []any{float64(7), "kickflip", "2500000000000000000", float64(3)},
		},
		{
			name:     "decimal string uint",
			function: "vote",
			params:   []any{"42", true},
		},
		{
			name:     "hex string uint",
			function: "vote",
			params:   []any{"0x2a", true},
		},
		{
			name:     "slices",
			function: "batchVote",
			params:   []any{[]any{float64(1), float64(2)}, []any{true, false}},
		},
		{
			name:     "fixed bytes and address",
			function: "claim",
			params: []any{
				"0x0102030405060708091011121314151617181920212223242526272829303132",
				"0xaa00000000000000000000000000000000000001",
			},
		},
		{
			name:     "wrong arity",
			function: "vote",
			params:   []any{float64(42)},
			wantErr:  ErrInvalidParams,
		},
		{
			name:     "non integer number",
			function: "vote",
			params:   []any{1.5, true},
			wantErr:  ErrInvalidParams,
		},
		{
			name:     "uint8 overflow",
			function: "createBounty",
			params:   []any{float64(7), "kickflip", "1", float64(300)},
			wantErr:  ErrInvalidParams,
		},
		{
			name:     "negative uint",
			function: "vote",
			params:   []any{float64(-1), true},
			wantErr:  ErrInvalidParams,
		},
		{
			name:     "bad address",
			function: "claim",
			params:   []any{"0x0102030405060708091011121314151617181920212223242526272829303132", "not-an-address"},
			wantErr:  ErrInvalidParams,
		},
		{
			name:     "short fixed bytes",
			function: "claim",
			params:   []any{"0x0102", "0xaa00000000000000000000000000000000000001"},
			wantErr:  ErrInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := registry.PackCall(testContractAddr, tt.function, tt.params)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPackCallUnknownTargets(t *testing.T) {
	registry := newTestRegistry(t)

	_, _, err := registry.PackCall(common.HexToAddress("0xdead"), "vote", []any{float64(1), true})
	require.ErrorIs(t, err, ErrUnknownContract)

	_, _, err = registry.PackCall(testContractAddr, "selfdestructEverything", nil)
	require.ErrorIs(t, err, ErrUnknownFunction)
}

func TestLoadContractRegistry(t *testing.T) {
	dir := t.TempDir()
	abiPath := filepath.Join(dir, "pool.json")
	require.NoError(t, os.WriteFile(abiPath, []byte(bountyPoolABI), 0o644))

	configPath := filepath.Join(dir, "contracts.yaml")
	config := `
contracts:
  - name: skate-bounty-pool
    address: "` + testContractAddr.Hex() + `"
    abi: ` + abiPath + `
  - name: old-pool
    address: "0xcc00000000000000000000000000000000000002"
    abi: ` + abiPath + `
    disabled: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))

	registry, err := LoadContractRegistry(configPath)
	require.NoError(t, err)

	_, ok := registry.Lookup(testContractAddr)
	require.True(t, ok)

	// disabled entries are not sponsored
	_, ok = registry.Lookup(common.HexToAddress("0xcc00000000000000000000000000000000000002"))
	require.False(t, ok)
}

func TestLoadContractRegistryBadAddress(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "contracts.yaml")
	config := `
contracts:
  - name: broken
    address: "not-hex"
    abi: nope.json
`
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))

	_, err := LoadContractRegistry(configPath)
	require.ErrorIs(t, err, ErrInvalidContractConfig)
}
