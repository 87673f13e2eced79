// Package auth authenticates HTTP actors by signed request.
//
// Every state-changing request carries the caller's address, a unix
// timestamp and an EIP-191 personal signature over
//
//	"escrowd|{METHOD}|{PATH}|{timestamp}|{sha256(body) hex}"
//
// The middleware recovers the signer and places the address in the gin
// context; handlers pass it to the settlement core as the calling
// identity.
package auth

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderAddress   = "X-Actor-Address"
	HeaderTimestamp = "X-Actor-Timestamp"
	HeaderSignature = "X-Actor-Signature"

	// MaxSkew is how far a request timestamp may drift from the server clock.
	MaxSkew = 5 * time.Minute
)

var (
	ErrMissingHeaders = errors.New("signed request headers required")
	ErrStaleRequest   = errors.New("request timestamp outside allowed skew")
	ErrBadSignature   = errors.New("request signature does not match address")
)

// RequestMessage builds the string a caller signs.
func RequestMessage(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("escrowd|%s|%s|%d|%s", strings.ToUpper(method), path, timestamp, hex.EncodeToString(sum[:]))
}

// HashMessage applies the EIP-191 personal message prefix.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// SignRequest returns the headers for a signed request. Used by clients
// and tests.
func SignRequest(key *ecdsa.PrivateKey, method, path string, body []byte, now time.Time) (map[string]string, error) {
	ts := now.Unix()
	sig, err := crypto.Sign(HashMessage(RequestMessage(method, path, ts, body)), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return map[string]string{
		HeaderAddress:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: "0x" + hex.EncodeToString(sig),
	}, nil
}

// VerifyRequest checks a signed request and returns the actor.
func VerifyRequest(method, path string, body []byte, address, timestamp, signature string, now time.Time) (common.Address, error) {
	if address == "" || timestamp == "" || signature == "" {
		return common.Address{}, ErrMissingHeaders
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("invalid actor address")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > MaxSkew || skew < -MaxSkew {
		return common.Address{}, ErrStaleRequest
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(RequestMessage(method, path, ts, body)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	actor := common.HexToAddress(address)
	if crypto.PubkeyToAddress(*pub) != actor {
		return common.Address{}, ErrBadSignature
	}
	return actor, nil
}
