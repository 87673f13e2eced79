package agreement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/faults"
)

var (
	ErrInvalidAddress   = faults.New(faults.KindValidation, "invalid_address", "invalid address")
	ErrInvalidAmount    = faults.New(faults.KindValidation, "invalid_amount", "invalid amount")
	ErrInvalidTimeout   = faults.New(faults.KindValidation, "invalid_timeout", "invalid timeout")
	ErrExpiredDeadline  = faults.New(faults.KindValidation, "expired_deadline", "agreement deadline has passed")
	ErrInvalidSignature = faults.New(faults.KindValidation, "invalid_signature", "signature does not match party")
	ErrInvalidNonce     = faults.New(faults.KindValidation, "invalid_nonce", "nonce already consumed")
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// NonceBook answers whether a party already consumed a nonce value.
// Consumption itself happens in the escrow store, together with the
// record insert.
type NonceBook interface {
	NonceUsed(ctx context.Context, party common.Address, nonce *big.Int) (bool, error)
}

// Bounds are the timeout limits in effect when an agreement is submitted.
type Bounds struct {
	MinTimeout int64 // seconds from creation to the final timeout
	MaxTimeout int64
	// SingleTimeout agreements carry one deadline in ProofTimeout and
	// leave FundedTimeout zero.
	SingleTimeout bool
}

// Validator checks agreements against a domain and a nonce book.
type Validator struct {
	domain Domain
	nonces NonceBook
}

// NewValidator creates a validator for domain.
func NewValidator(domain Domain, nonces NonceBook) *Validator {
	return &Validator{domain: domain, nonces: nonces}
}

// Domain returns the signing domain.
func (v *Validator) Domain() Domain { return v.domain }

// Validate runs field, deadline, signature and nonce checks in that order
// and returns the first failure.
func (v *Validator) Validate(ctx context.Context, a Agreement, holderSig, providerSig []byte, b Bounds, now int64) error {
	if err := CheckFields(a, b, now); err != nil {
		return err
	}
	if now > a.Deadline {
		return ErrExpiredDeadline
	}

	digest, err := Digest(v.domain, a)
	if err != nil {
		return ErrInvalidSignature.Wrap(err)
	}
	if err := expectSigner(digest, holderSig, a.Holder, "holder"); err != nil {
		return err
	}
	if err := expectSigner(digest, providerSig, a.Provider, "provider"); err != nil {
		return err
	}

	for _, party := range []common.Address{a.Holder, a.Provider} {
		used, err := v.nonces.NonceUsed(ctx, party, a.Nonce)
		if err != nil {
			return fmt.Errorf("nonce lookup: %w", err)
		}
		if used {
			return ErrInvalidNonce.Withf("%s already used nonce %s", party.Hex(), a.Nonce)
		}
	}
	return nil
}

func expectSigner(digest common.Hash, sig []byte, want common.Address, role string) error {
	got, err := Recover(digest, sig)
	if err != nil {
		return ErrInvalidSignature.Withf("%s: %v", role, err)
	}
	if got != want {
		return ErrInvalidSignature.Withf("%s signature recovers %s", role, got.Hex())
	}
	return nil
}

// CheckFields validates addresses, amount and timeouts. Ledger cost
// estimates run it before anything is signed.
func CheckFields(a Agreement, b Bounds, now int64) error {
	zero := common.Address{}
	if a.Holder == zero || a.Provider == zero {
		return ErrInvalidAddress.Withf("holder and provider are required")
	}
	if a.Holder == a.Provider {
		return ErrInvalidAddress.Withf("holder and provider must differ")
	}
	if a.DstNetworkID != 0 && a.DstRecipient == zero {
		return ErrInvalidAddress.Withf("destination recipient required for network %d", a.DstNetworkID)
	}
	if a.Amount == nil || a.Amount.Sign() <= 0 || a.Amount.Cmp(maxUint256) > 0 {
		return ErrInvalidAmount
	}
	if a.Nonce == nil || a.Nonce.Sign() < 0 || a.Nonce.Cmp(maxUint256) > 0 {
		return ErrInvalidNonce.Withf("nonce out of range")
	}

	if b.SingleTimeout {
		if a.FundedTimeout != 0 {
			return ErrInvalidTimeout.Withf("single-timeout agreements leave fundedTimeout unset")
		}
		if a.ProofTimeout <= now {
			return ErrInvalidTimeout.Withf("timeout must be in the future")
		}
	} else {
		if a.FundedTimeout <= now {
			return ErrInvalidTimeout.Withf("fundedTimeout must be in the future")
		}
		if a.ProofTimeout <= a.FundedTimeout {
			return ErrInvalidTimeout.Withf("proofTimeout must be after fundedTimeout")
		}
	}
	span := a.ProofTimeout - now
	if span < b.MinTimeout || span > b.MaxTimeout {
		return ErrInvalidTimeout.Withf("timeout span %ds outside [%d, %d]", span, b.MinTimeout, b.MaxTimeout)
	}
	return nil
}
