package relay

import (
	"bytes"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// BuildMessageHash returns the digest a user signs to authorize a relayed
// call. It is the personal-sign envelope over
// keccak256(to ++ functionName ++ packedParams ++ nonce ++ uint256(chainId)),
// so a signature over it is exactly what wallet `personal_sign` produces for
// the inner hash. A nil chainID omits the chain binding.
func BuildMessageHash(to common.Address, functionName string, packedParams []byte, nonce common.Hash, chainID *big.Int) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(to.Bytes())
	hasher.Write([]byte(functionName))
	hasher.Write(packedParams)
	hasher.Write(nonce.Bytes())
	if chainID != nil {
		hasher.Write(common.BigToHash(chainID).Bytes())
	}
	var inner common.Hash
	hasher.Sum(inner[:0])

	return common.BytesToHash(crypto.Keccak256(
		[]byte("\x19Ethereum Signed Message:\n32"),
		inner.Bytes(),
	))
}

// RecoverSigner returns the address that produced sig over hash.
// Accepts both 0/1 and 27/28 recovery ids.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := bytes.Clone(sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pubkey, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

// SignRequest fills in the From and Signature fields of req. It is the
// counterpart of VerifyRequest and is what wallet-side code runs before
// handing the request to a relayer.
func SignRequest(key *ecdsa.PrivateKey, req *MetaTransactionRequest, packedParams []byte, chainID *big.Int) error {
	hash := BuildMessageHash(req.To, req.FunctionName, packedParams, req.Nonce, chainID)
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return err
	}
	// wallets return 27/28
	sig[crypto.RecoveryIDOffset] += 27
	req.Signature = sig
	req.From = crypto.PubkeyToAddress(key.PublicKey)
	return nil
}

// VerifyRequest checks that req.Signature recovers to req.From over the
// canonical message hash for the request.
func VerifyRequest(req *MetaTransactionRequest, packedParams []byte, chainID *big.Int) error {
	hash := BuildMessageHash(req.To, req.FunctionName, packedParams, req.Nonce, chainID)
	signer, err := RecoverSigner(hash, req.Signature)
	if err != nil {
		return err
	}
	if signer != req.From {
		return ErrInvalidSignature
	}
	return nil
}
