package evmc

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	oerrors "evmoracle/services/oracled/errors"
)

// Signer signs legacy EIP-155 transactions with one secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewSigner parses a raw 32 byte private key.
func NewSigner(rawKey []byte, chainID *big.Int) (*Signer, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, oerrors.InvalidArgument("chain id must be positive")
	}
	key, err := gethcrypto.ToECDSA(rawKey)
	if err != nil {
		return nil, oerrors.InvalidArgument("invalid signing key: %v", err)
	}
	return &Signer{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey), chainID: new(big.Int).Set(chainID)}, nil
}

// Address returns the account the signer controls.
func (s *Signer) Address() common.Address { return s.address }

// ChainID returns a copy of the replay protection chain id.
func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// SignLegacy signs a legacy transaction. A nil to creates a contract.
func (s *Signer) SignLegacy(nonce uint64, to *common.Address, value *big.Int, gas uint64, gasPrice *big.Int, data []byte) (*gethtypes.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, oerrors.Internal("sign transaction: %v", err)
	}
	return signed, nil
}

// AddressFromKey derives the address controlled by rawKey.
func AddressFromKey(rawKey []byte) (common.Address, error) {
	key, err := gethcrypto.ToECDSA(rawKey)
	if err != nil {
		return common.Address{}, oerrors.InvalidArgument("invalid signing key: %v", err)
	}
	return gethcrypto.PubkeyToAddress(key.PublicKey), nil
}

// DecodeTransaction parses an RLP or EIP-2718 encoded signed transaction.
func DecodeTransaction(raw []byte) (*gethtypes.Transaction, error) {
	if len(raw) == 0 {
		return nil, oerrors.InvalidArgument("transaction bytes required")
	}
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, oerrors.InvalidArgument("decode transaction: %v", err)
	}
	return tx, nil
}

// RecoverSender recovers the address that signed tx.
func RecoverSender(tx *gethtypes.Transaction) (common.Address, error) {
	if tx == nil {
		return common.Address{}, oerrors.InvalidArgument("transaction required")
	}
	var signer gethtypes.Signer = gethtypes.HomesteadSigner{}
	if tx.Protected() {
		signer = gethtypes.LatestSignerForChainID(tx.ChainId())
	}
	from, err := gethtypes.Sender(signer, tx)
	if err != nil {
		return common.Address{}, oerrors.InvalidArgument("recover transaction sender: %v", err)
	}
	return from, nil
}
