// Package agreementtest provides signing parties for tests that need
// valid dual-signed agreements.
package agreementtest

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/agreement"
)

// Party is a key pair with its address.
type Party struct {
	Key  *ecdsa.PrivateKey
	Addr common.Address
}

// NewParty generates a fresh party.
func NewParty(t testing.TB) Party {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Party{Key: key, Addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// Domain is the signing domain used across tests.
var Domain = agreement.Domain{
	Name:      "escrowd",
	Version:   "1",
	NetworkID: 31337,
	Verifier:  common.HexToAddress("0x00000000000000000000000000000000e5c20001"),
}

// Sign signs a under d.
func Sign(t testing.TB, d agreement.Domain, a agreement.Agreement, p Party) []byte {
	t.Helper()
	digest, err := agreement.Digest(d, a)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := agreement.Sign(digest, p.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

// SignCancel countersigns a cancel authorization.
func SignCancel(t testing.TB, d agreement.Domain, auth agreement.CancelAuthorization, p Party) []byte {
	t.Helper()
	digest, err := agreement.CancelDigest(d, auth)
	if err != nil {
		t.Fatalf("cancel digest: %v", err)
	}
	sig, err := agreement.Sign(digest, p.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

// Terms builds a local-network agreement between holder and provider
// for amount, with timeouts relative to now.
func Terms(holder, provider Party, amount *big.Int, nonce int64, now int64) agreement.Agreement {
	return agreement.Agreement{
		Holder:        holder.Addr,
		Provider:      provider.Addr,
		Amount:        new(big.Int).Set(amount),
		FundedTimeout: now + 3600,
		ProofTimeout:  now + 7200,
		Nonce:         big.NewInt(nonce),
		Deadline:      now + 600,
	}
}
