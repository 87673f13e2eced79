// Package bridge routes provider payouts to the local network or through
// the bridging service to another network.
package bridge

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/faults"
)

var (
	ErrBridgeFailed            = faults.New(faults.KindEconomic, "bridge_failed", "bridging request failed")
	ErrEstimateFailed          = faults.New(faults.KindEconomic, "bridge_estimate_failed", "bridging fee estimate failed")
	ErrDeductionsExceedDeposit = faults.New(faults.KindEconomic, "deductions_exceed_deposit", "fees exceed the deposited amount")
)

// IsCrossNetwork reports whether dst names a network other than local.
// Zero means the local network.
func IsCrossNetwork(dst uint32, local uint64) bool {
	return dst != 0 && uint64(dst) != local
}

// Request asks the bridging service to deliver Amount on DstNetworkID.
type Request struct {
	Reference     string         `json:"reference"`
	DstNetworkID  uint32         `json:"dstNetworkId"`
	Recipient     common.Address `json:"recipient"`
	Amount        *big.Int       `json:"amount"`
	Fee           *big.Int       `json:"fee"`
	AdapterParams []byte         `json:"adapterParams,omitempty"`
}

// Receipt acknowledges a dispatched request.
type Receipt struct {
	ID           string    `json:"id"`
	Reference    string    `json:"reference"`
	DstNetworkID uint32    `json:"dstNetworkId"`
	Amount       *big.Int  `json:"amount"`
	SentAt       time.Time `json:"sentAt"`
}

// Bridge is the bridging service port.
type Bridge interface {
	EstimateFee(ctx context.Context, dst uint32, amount *big.Int, adapterParams []byte) (native, aux *big.Int, err error)
	Send(ctx context.Context, req Request) (Receipt, error)
}
