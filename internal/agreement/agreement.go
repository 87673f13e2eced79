// Package agreement verifies the dual-signed terms that open an escrow.
//
// Both parties sign a typed, domain-separated digest of the agreement off
// line. The domain binds a system identity and the local network id so a
// signature issued for one deployment cannot be replayed against another.
package agreement

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Agreement is the immutable set of terms signed by holder and provider.
type Agreement struct {
	Holder        common.Address `json:"holder"`
	Provider      common.Address `json:"provider"`
	Amount        *big.Int       `json:"amount"`
	FundedTimeout int64          `json:"fundedTimeout"`
	ProofTimeout  int64          `json:"proofTimeout"`
	Nonce         *big.Int       `json:"nonce"`
	Deadline      int64          `json:"deadline"`
	DstNetworkID  uint32         `json:"dstNetworkId"`
	DstRecipient  common.Address `json:"dstRecipient"`
	AdapterParams hexutil.Bytes  `json:"adapterParams"`
}

// Clone returns a deep copy so records never share mutable state with
// the caller's value.
func (a Agreement) Clone() Agreement {
	cp := a
	if a.Amount != nil {
		cp.Amount = new(big.Int).Set(a.Amount)
	}
	if a.Nonce != nil {
		cp.Nonce = new(big.Int).Set(a.Nonce)
	}
	if a.AdapterParams != nil {
		cp.AdapterParams = append(hexutil.Bytes(nil), a.AdapterParams...)
	}
	return cp
}

// Equal reports whether every field of a and b matches.
func (a Agreement) Equal(b Agreement) bool {
	return a.Holder == b.Holder &&
		a.Provider == b.Provider &&
		cmpInt(a.Amount, b.Amount) &&
		a.FundedTimeout == b.FundedTimeout &&
		a.ProofTimeout == b.ProofTimeout &&
		cmpInt(a.Nonce, b.Nonce) &&
		a.Deadline == b.Deadline &&
		a.DstNetworkID == b.DstNetworkID &&
		a.DstRecipient == b.DstRecipient &&
		bytes.Equal(a.AdapterParams, b.AdapterParams)
}

// Recipient is where a payout to the provider is delivered: the
// destination recipient when one is named, the provider otherwise.
func (a Agreement) Recipient() common.Address {
	if a.DstRecipient != (common.Address{}) {
		return a.DstRecipient
	}
	return a.Provider
}

func cmpInt(x, y *big.Int) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	return x.Cmp(y) == 0
}
