package relay

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var testSigningKey, _ = crypto.HexToECDSA("f14240ad715b780803f613f636b05bacc2db6622c21eb48bf4302ec3e44c0acb")

func TestSignRecoverRoundTrip(t *testing.T) {
	req := &MetaTransactionRequest{
		To:           common.HexToAddress("0x1000000000000000000000000000000000000001"),
		FunctionName: "vote",
		Nonce:        common.HexToHash("0xabc1"),
	}
	packedParams := []byte{1, 2, 3, 4}
	chainID := big.NewInt(137)

	err := SignRequest(testSigningKey, req, packedParams, chainID)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(testSigningKey.PublicKey), req.From)

	hash := BuildMessageHash(req.To, req.FunctionName, packedParams, req.Nonce, chainID)
	signer, err := RecoverSigner(hash, req.Signature)
	require.NoError(t, err)
	require.Equal(t, req.From, signer)

	require.NoError(t, VerifyRequest(req, packedParams, chainID))
}

func TestBuildMessageHashSensitivity(t *testing.T) {
	to := common.HexToAddress("0x1000000000000000000000000000000000000001")
	params := []byte{1, 2, 3}
	nonce := common.HexToHash("0x01")
	chainID := big.NewInt(1)

	base := BuildMessageHash(to, "vote", params, nonce, chainID)

	// identical inputs, identical hash
	require.Equal(t, base, BuildMessageHash(to, "vote", params, nonce, chainID))

	require.NotEqual(t, base, BuildMessageHash(common.HexToAddress("0x02"), "vote", params, nonce, chainID))
	require.NotEqual(t, base, BuildMessageHash(to, "vote2", params, nonce, chainID))
	require.NotEqual(t, base, BuildMessageHash(to, "vote", []byte{1, 2, 4}, nonce, chainID))
	require.NotEqual(t, base, BuildMessageHash(to, "vote", params, common.HexToHash("0x02"), chainID))
	require.NotEqual(t, base, BuildMessageHash(to, "vote", params, nonce, big.NewInt(2)))
	require.NotEqual(t, base, BuildMessageHash(to, "vote", params, nonce, nil))
}

func TestBuildMessageHashFieldShift(t *testing.T) {
	// bytes moving between adjacent fields must still change the hash
	to := common.HexToAddress("0x1000000000000000000000000000000000000001")
	a := BuildMessageHash(to, "voteA", []byte{1}, common.Hash{}, nil)
	b := BuildMessageHash(to, "vote", []byte{'A', 1}, common.Hash{}, nil)
	require.NotEqual(t, a, b)
}

func TestRecoverSignerMalformed(t *testing.T) {
	hash := common.HexToHash("0x01")

	_, err := RecoverSigner(hash, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = RecoverSigner(hash, make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidSignature)

	// right length, garbage content
	garbage := make([]byte, crypto.SignatureLength)
	for i := range garbage {
		garbage[i] = 0xff
	}
	_, err = RecoverSigner(hash, garbage)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRequestWrongFrom(t *testing.T) {
	req := &MetaTransactionRequest{
		To:           common.HexToAddress("0x1000000000000000000000000000000000000001"),
		FunctionName: "vote",
		Nonce:        common.HexToHash("0x01"),
	}
	packedParams := []byte{1, 2, 3}
	require.NoError(t, SignRequest(testSigningKey, req, packedParams, nil))

	req.From = common.HexToAddress("0xdead00000000000000000000000000000000beef")
	require.ErrorIs(t, VerifyRequest(req, packedParams, nil), ErrInvalidSignature)
}

func TestVerifyRequestTamperedParams(t *testing.T) {
	req := &MetaTransactionRequest{
		To:           common.HexToAddress("0x1000000000000000000000000000000000000001"),
		FunctionName: "vote",
		Nonce:        common.HexToHash("0x01"),
	}
	require.NoError(t, SignRequest(testSigningKey, req, []byte{1, 2, 3}, nil))

	// signature was produced over different params than supplied
	err := VerifyRequest(req, []byte{9, 9, 9}, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)
}
