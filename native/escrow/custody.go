package escrow

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// custodySeed is the domain tag mixed into every custody derivation so escrow
// holdings can never collide with externally keyed accounts.
var custodySeed = []byte("escrow/custody/v1")

// CustodyAddress derives the deterministic custody holding address for a
// transaction identifier. The holding has no external private key; outbound
// transfers are authorised by proof of derivation alone.
func CustodyAddress(txID [32]byte) [20]byte {
	hash := ethcrypto.Keccak256(custodySeed, txID[:])
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// CustodyAuthorization is the capability presented to the ledger to move
// funds out of a custody holding. Only the engine mints it, and only for a
// holding it is actively settling.
type CustodyAuthorization struct {
	TxID    [32]byte
	Address [20]byte
}

// Verify reports whether the authorization's address matches the derivation
// for its transaction identifier.
func (a CustodyAuthorization) Verify() bool {
	return a.Address == CustodyAddress(a.TxID)
}

func authorizeCustody(txID [32]byte) CustodyAuthorization {
	return CustodyAuthorization{TxID: txID, Address: CustodyAddress(txID)}
}
