package params

import "time"

// Chain identifiers of the networks the engine ships presets for. Anything
// else is accepted as long as the configuration spells out every field.
const (
	PolygonChainID uint64 = 137
	BaseChainID    uint64 = 8453
)

const (
	// DefaultConfirmationDepth is the number of blocks a leg transaction
	// must be buried under before it counts as confirmed, used when a
	// network does not configure its own depth.
	DefaultConfirmationDepth uint64 = 12

	// DefaultRPCTimeout bounds a single JSON-RPC round trip.
	DefaultRPCTimeout = 10 * time.Second

	// DefaultLegConfirmTimeout bounds waiting for one leg transaction to
	// reach its confirmation depth.
	DefaultLegConfirmTimeout = 120 * time.Second

	// DefaultBridgeTimeout bounds a cross-chain transfer from source-side
	// acceptance to target-side delivery.
	DefaultBridgeTimeout = 600 * time.Second

	// DefaultInjectionTimeout bounds a reserve liquidity injection from
	// submission to confirmation.
	DefaultInjectionTimeout = 300 * time.Second
)

// NetworkPreset carries the chain constants the engine knows out of the box.
type NetworkPreset struct {
	ChainID      uint64
	NativeSymbol string
	BlockTime    time.Duration
}

// Presets maps network identifiers to their built-in chain constants.
// Configuration values always win over a preset.
var Presets = map[string]NetworkPreset{
	"polygon": {ChainID: PolygonChainID, NativeSymbol: "MATIC", BlockTime: 2 * time.Second},
	"base":    {ChainID: BaseChainID, NativeSymbol: "ETH", BlockTime: 2 * time.Second},
}
