package relay

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"
)

var ErrInvalidContractConfig = errors.New("invalid contract specification")

type ContractsConfig struct {
	Contracts []struct {
		Name     string `yaml:"name"`
		Address  string `yaml:"address"`
		ABI      string `yaml:"abi"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"contracts"`
}

// Contract is one sponsored target the relayer is willing to pay gas for.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// ContractRegistry is the allowlist of sponsored contracts. Relays to
// addresses outside the registry are rejected before any signature work.
type ContractRegistry struct {
	contracts map[common.Address]*Contract
}

func NewContractRegistry(contracts []*Contract) *ContractRegistry {
	m := make(map[common.Address]*Contract, len(contracts))
	for _, c := range contracts {
		m[c.Address] = c
	}
	return &ContractRegistry{contracts: m}
}

// LoadContractRegistry parses a contract allowlist from a yaml file. The abi
// field of each entry is a path to a JSON ABI file, relative to the process
// working directory.
func LoadContractRegistry(file string) (*ContractRegistry, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config ContractsConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	contracts := make([]*Contract, 0, len(config.Contracts))
	for _, entry := range config.Contracts {
		if entry.Disabled {
			continue
		}
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("%w: %s: bad address %q", ErrInvalidContractConfig, entry.Name, entry.Address)
		}
		abiData, err := os.ReadFile(entry.ABI)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContractConfig, entry.Name, err)
		}
		parsed, err := abi.JSON(strings.NewReader(string(abiData)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContractConfig, entry.Name, err)
		}
		contracts = append(contracts, &Contract{
			Name:    entry.Name,
			Address: common.HexToAddress(entry.Address),
			ABI:     parsed,
		})
	}
	return NewContractRegistry(contracts), nil
}

func (r *ContractRegistry) Lookup(addr common.Address) (*Contract, bool) {
	c, ok := r.contracts[addr]
	return c, ok
}

// PackCall converts the JSON-decoded params of a request into the calldata
// for the target method. It returns both the full calldata (selector plus
// arguments) and the bare abi-encoded arguments, which is the byte string the
// user's signature covers.
func (r *ContractRegistry) PackCall(to common.Address, functionName string, params []any) (calldata, packedArgs []byte, err error) {
	contract, ok := r.Lookup(to)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownContract, to.Hex())
	}
	method, ok := contract.ABI.Methods[functionName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownFunction, contract.Name, functionName)
	}
	args, err := convertArgs(method.Inputs, params)
	if err != nil {
		return nil, nil, err
	}
	packedArgs, err = method.Inputs.Pack(args...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}
	calldata = make([]byte, 0, len(method.ID)+len(packedArgs))
	calldata = append(calldata, method.ID...)
	calldata = append(calldata, packedArgs...)
	return calldata, packedArgs, nil
}

func convertArgs(inputs abi.Arguments, params []any) ([]any, error) {
	if len(params) != len(inputs) {
		return nil, fmt.Errorf("%w: want %d args, got %d", ErrInvalidParams, len(inputs), len(params))
	}
	args := make([]any, len(params))
	for i, input := range inputs {
		v, err := goValue(input.Type, params[i])
		if err != nil {
			return nil, fmt.Errorf("%w: arg %d: %s", ErrInvalidParams, i, err)
		}
		args[i] = v
	}
	return args, nil
}

// goValue converts a value as produced by encoding/json into the Go value
// abi.Arguments.Pack expects for the given solidity type.
func goValue(t abi.Type, raw any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		s, ok := raw.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("expected hex address, got %v", raw)
		}
		return common.HexToAddress(s), nil
	case abi.BoolTy:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %v", raw)
		}
		return b, nil
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %v", raw)
		}
		return s, nil
	case abi.UintTy, abi.IntTy:
		return integerValue(t, raw)
	case abi.BytesTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex bytes, got %v", raw)
		}
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex bytes, got %v", raw)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %v", raw)
		}
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return nil, fmt.Errorf("expected %d elements, got %d", t.Size, len(items))
		}
		var out reflect.Value
		if t.T == abi.ArrayTy {
			out = reflect.New(t.GetType()).Elem()
		} else {
			out = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, item := range items {
			v, err := goValue(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %s", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(v))
		}
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported abi type %s", t.String())
	}
}

func integerValue(t abi.Type, raw any) (any, error) {
	n, err := toBigInt(raw)
	if err != nil {
		return nil, err
	}
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("negative value for %s", t.String())
	}
	switch t.Size {
	case 8, 16, 32, 64:
	default:
		// non machine-word sizes pack from *big.Int
		return n, nil
	}
	if t.T == abi.UintTy {
		if !n.IsUint64() || (t.Size < 64 && n.Uint64() >= 1<<uint(t.Size)) {
			return nil, fmt.Errorf("value overflows %s", t.String())
		}
		u := n.Uint64()
		switch t.Size {
		case 8:
			return uint8(u), nil
		case 16:
			return uint16(u), nil
		case 32:
			return uint32(u), nil
		default:
			return u, nil
		}
	}
	if !n.IsInt64() {
		return nil, fmt.Errorf("value overflows %s", t.String())
	}
	v := n.Int64()
	if t.Size < 64 && (v >= 1<<uint(t.Size-1) || v < -(1<<uint(t.Size-1))) {
		return nil, fmt.Errorf("value overflows %s", t.String())
	}
	switch t.Size {
	case 8:
		return int8(v), nil
	case 16:
		return int16(v), nil
	case 32:
		return int32(v), nil
	default:
		return v, nil
	}
}

func toBigInt(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		n, _ := new(big.Float).SetFloat64(v).Int(nil)
		return n, nil
	case string:
		base := 10
		digits := v
		if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
			base = 16
			digits = v[2:]
		}
		n, ok := new(big.Int).SetString(digits, base)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	case *big.Int:
		return v, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", raw)
	}
}
