package signer

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer signs destination transactions and transfer attestations, and
// exposes the signer's address.
type Signer interface {
	// SignTx signs the given transaction with the specified chain ID and returns the signed transaction.
	//
	// Parameters:
	// - transaction: the transaction to be signed.
	// - chainID: the chain ID for the transaction.
	//
	// Returns:
	// - *ethtypes.Transaction: the signed transaction.
	// - error: an error if the signing process fails.
	SignTx(transaction *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)

	// AttestTransfer signs the keccak digest of (recipient, amount, transferID).
	// The destination bridge accepts a mint accompanied by a single authorized
	// relayer signature; threshold attestation is not implemented, but the
	// digest layout leaves room for collecting more signatures over the same
	// message.
	//
	// Parameters:
	// - recipient: the destination recipient address.
	// - amount: the transfer amount in the smallest indivisible unit.
	// - transferID: the replay-protection key of the transfer.
	//
	// Returns:
	// - []byte: the 65-byte ECDSA signature with V in {27,28}.
	// - error: an error if the signing process fails.
	AttestTransfer(recipient common.Address, amount *big.Int, transferID common.Hash) ([]byte, error)

	// Address returns the signer's address.
	//
	// Returns:
	// - common.Address: the signer's address.
	Address() common.Address
}

// signer is a concrete implementation of the Signer interface.
type signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	address    common.Address
}

// NewSigner creates a new signer instance with the given private key.
//
// Parameters:
// - privateKey: the private key to be used for signing.
//
// Returns:
// - Signer: a new signer instance.
// - error: an error if the private key is not valid.
func NewSigner(privateKey *ecdsa.PrivateKey) (Signer, error) {
	pubKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("cannot assign public key to ECDSA")
	}

	return &signer{
		privateKey: privateKey,
		publicKey:  pubKeyECDSA,
		address:    crypto.PubkeyToAddress(*pubKeyECDSA),
	}, nil
}

// Address returns the signer's address.
//
// Returns:
// - common.Address: the signer's address.
func (s *signer) Address() common.Address {
	return s.address
}

// AttestTransfer signs the keccak digest of (recipient, amount, transferID).
//
// Parameters:
// - recipient: the destination recipient address.
// - amount: the transfer amount in the smallest indivisible unit.
// - transferID: the replay-protection key of the transfer.
//
// Returns:
// - []byte: the 65-byte ECDSA signature with V in {27,28}.
// - error: an error if the signing process fails.
func (s *signer) AttestTransfer(recipient common.Address, amount *big.Int, transferID common.Hash) ([]byte, error) {
	msg := crypto.Keccak256(
		recipient.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		transferID.Bytes(),
	)

	signature, err := crypto.Sign(msg, s.privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transfer attestation")
	}
	signature[64] += 27 // Transform V from 0/1 to 27/28 according to the yellow paper

	return signature, nil
}

// SignTx signs the given transaction with the specified chain ID and returns the signed transaction.
//
// Parameters:
// - tx: the transaction to be signed.
// - chainID: the chain ID for the transaction.
//
// Returns:
// - *ethtypes.Transaction: the signed transaction.
// - error: an error if the signing process fails.
func (s *signer) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(s.privateKey, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create keyed transactor")
	}

	signedTx, err := auth.Signer(s.address, tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	return signedTx, nil
}
