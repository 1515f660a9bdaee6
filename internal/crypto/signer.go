package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// Signer signs execution transactions. The private key never leaves it.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps a parsed key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// NewSignerFromSource loads the key and wraps it.
func NewSignerFromSource(src KeySource) (*Signer, error) {
	key, err := LoadKey(src)
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}

// Address returns the signing identity.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for chainID with the latest signer rules for that chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

func (s *Signer) String() string {
	return fmt.Sprintf("Signer(%s)", s.address.Hex())
}
