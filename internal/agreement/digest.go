package agreement

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain identifies the deployment a signature is valid for.
type Domain struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	NetworkID uint64         `json:"networkId"`
	Verifier  common.Address `json:"verifier"`
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	agreementTypeHash = crypto.Keccak256Hash([]byte(
		"Agreement(address holder,address provider,uint256 amount,uint256 fundedTimeout," +
			"uint256 proofTimeout,uint256 nonce,uint256 deadline,uint32 dstNetworkId," +
			"address dstRecipient,bytes32 adapterParamsHash)"))
	cancelTypeHash = crypto.Keccak256Hash([]byte(
		"CancelAuthorization(uint256 escrowId,uint256 issuedAt,uint256 validity)"))
)

var (
	tBytes32 = mustType("bytes32")
	tAddress = mustType("address")
	tUint256 = mustType("uint256")
	tUint32  = mustType("uint32")
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func args(types ...abi.Type) abi.Arguments {
	out := make(abi.Arguments, len(types))
	for i, t := range types {
		out[i] = abi.Argument{Type: t}
	}
	return out
}

var (
	domainArgs = args(tBytes32, tBytes32, tBytes32, tUint256, tAddress)
	structArgs = args(tBytes32, tAddress, tAddress, tUint256, tUint256, tUint256,
		tUint256, tUint256, tUint32, tAddress, tBytes32)
	cancelArgs = args(tBytes32, tUint256, tUint256, tUint256)
)

// Separator returns the domain separator hash.
func (d Domain) Separator() (common.Hash, error) {
	packed, err := domainArgs.Pack(
		domainTypeHash,
		crypto.Keccak256Hash([]byte(d.Name)),
		crypto.Keccak256Hash([]byte(d.Version)),
		new(big.Int).SetUint64(d.NetworkID),
		d.Verifier,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack domain: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// StructHash hashes the agreement fields. AdapterParams contribute
// through their keccak256 hash.
func StructHash(a Agreement) (common.Hash, error) {
	if a.Amount == nil || a.Nonce == nil {
		return common.Hash{}, fmt.Errorf("agreement amount and nonce are required")
	}
	packed, err := structArgs.Pack(
		agreementTypeHash,
		a.Holder,
		a.Provider,
		a.Amount,
		big.NewInt(a.FundedTimeout),
		big.NewInt(a.ProofTimeout),
		a.Nonce,
		big.NewInt(a.Deadline),
		a.DstNetworkID,
		a.DstRecipient,
		crypto.Keccak256Hash(a.AdapterParams),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack agreement: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// Digest is keccak256(0x19 0x01 ‖ separator ‖ structHash).
func Digest(d Domain, a Agreement) (common.Hash, error) {
	sep, err := d.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	sh, err := StructHash(a)
	if err != nil {
		return common.Hash{}, err
	}
	return typedHash(sep, sh), nil
}

func typedHash(sep, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep.Bytes(), structHash.Bytes())
}

// Sign produces a 65-byte [R ‖ S ‖ V] signature with V in {27, 28}.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest.
// V may be 0, 1, 27 or 28; signatures with a high S value are rejected.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	r, sv := new(big.Int).SetBytes(s[:32]), new(big.Int).SetBytes(s[32:64])
	if !crypto.ValidateSignatureValues(s[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("signature values out of range")
	}
	pub, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
