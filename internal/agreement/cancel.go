package agreement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/faults"
)

// MaxCancelValidity bounds how long a mutual-cancellation countersignature
// stays usable, in seconds.
const MaxCancelValidity int64 = 3600

var ErrCancelExpired = faults.New(faults.KindValidation, "cancel_authorization_expired", "cancel authorization is outside its validity window")

// CancelAuthorization is countersigned by the party that did not initiate
// a mutual cancellation.
type CancelAuthorization struct {
	EscrowID uint64 `json:"escrowId"`
	IssuedAt int64  `json:"issuedAt"`
	Validity int64  `json:"validity"`
}

// CancelDigest hashes auth under domain d.
func CancelDigest(d Domain, auth CancelAuthorization) (common.Hash, error) {
	sep, err := d.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	packed, err := cancelArgs.Pack(
		cancelTypeHash,
		new(big.Int).SetUint64(auth.EscrowID),
		big.NewInt(auth.IssuedAt),
		big.NewInt(auth.Validity),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack cancel authorization: %w", err)
	}
	return typedHash(sep, crypto.Keccak256Hash(packed)), nil
}

// CheckWindow reports whether auth is usable at now.
func (auth CancelAuthorization) CheckWindow(now int64) error {
	if auth.Validity <= 0 || auth.Validity > MaxCancelValidity {
		return ErrCancelExpired.Withf("validity %ds not in (0, %d]", auth.Validity, MaxCancelValidity)
	}
	if now < auth.IssuedAt || now > auth.IssuedAt+auth.Validity {
		return ErrCancelExpired
	}
	return nil
}

// VerifyCancel checks the window and that sig was produced by signer.
func VerifyCancel(d Domain, auth CancelAuthorization, sig []byte, signer common.Address, now int64) error {
	if err := auth.CheckWindow(now); err != nil {
		return err
	}
	digest, err := CancelDigest(d, auth)
	if err != nil {
		return err
	}
	got, err := Recover(digest, sig)
	if err != nil {
		return ErrInvalidSignature.Wrap(err)
	}
	if got != signer {
		return ErrInvalidSignature.Withf("countersignature by %s, expected %s", got.Hex(), signer.Hex())
	}
	return nil
}
