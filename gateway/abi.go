package gateway

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// The engine talks to three external contract surfaces: the monitored AMM
// pools (Uniswap v3 style observation calls), the engine's own router
// periphery (swaps and liquidity injections) and the per-network bridge.
// Only the fragments the engine actually calls are declared.
const (
	poolABIJSON = `[
		{"type":"function","name":"slot0","stateMutability":"view","inputs":[],"outputs":[
			{"name":"sqrtPriceX96","type":"uint160"},
			{"name":"tick","type":"int24"},
			{"name":"observationIndex","type":"uint16"},
			{"name":"observationCardinality","type":"uint16"},
			{"name":"observationCardinalityNext","type":"uint16"},
			{"name":"feeProtocol","type":"uint8"},
			{"name":"unlocked","type":"bool"}]},
		{"type":"function","name":"liquidity","stateMutability":"view","inputs":[],"outputs":[
			{"name":"","type":"uint128"}]}
	]`

	routerABIJSON = `[
		{"type":"function","name":"swapExactInput","stateMutability":"nonpayable","inputs":[
			{"name":"pool","type":"address"},
			{"name":"tokenIn","type":"address"},
			{"name":"amountIn","type":"uint256"},
			{"name":"minAmountOut","type":"uint256"},
			{"name":"deadline","type":"uint256"}],"outputs":[
			{"name":"amountOut","type":"uint256"}]},
		{"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[
			{"name":"pool","type":"address"},
			{"name":"amount0","type":"uint256"},
			{"name":"amount1","type":"uint256"},
			{"name":"deadline","type":"uint256"}],"outputs":[]},
		{"type":"event","name":"SwapExecuted","inputs":[
			{"name":"pool","type":"address","indexed":true},
			{"name":"tokenIn","type":"address","indexed":false},
			{"name":"amountIn","type":"uint256","indexed":false},
			{"name":"amountOut","type":"uint256","indexed":false}],"anonymous":false}
	]`

	bridgeABIJSON = `[
		{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[
			{"name":"token","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"targetChainId","type":"uint256"},
			{"name":"deadline","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"deliveries","stateMutability":"view","inputs":[
			{"name":"sourceTx","type":"bytes32"}],"outputs":[
			{"name":"delivered","type":"bool"},
			{"name":"targetTx","type":"bytes32"}]},
		{"type":"function","name":"refunds","stateMutability":"view","inputs":[
			{"name":"sourceTx","type":"bytes32"}],"outputs":[
			{"name":"refunded","type":"bool"}]}
	]`
)

var (
	poolABI   abi.ABI
	routerABI abi.ABI
	bridgeABI abi.ABI

	swapExecutedID common.Hash
)

func init() {
	var err error
	if poolABI, err = abi.JSON(strings.NewReader(poolABIJSON)); err != nil {
		panic(err)
	}
	if routerABI, err = abi.JSON(strings.NewReader(routerABIJSON)); err != nil {
		panic(err)
	}
	if bridgeABI, err = abi.JSON(strings.NewReader(bridgeABIJSON)); err != nil {
		panic(err)
	}
	swapExecutedID = routerABI.Events["SwapExecuted"].ID
}

// PackSlot0 returns the calldata of the pool price observation call.
func PackSlot0() []byte {
	data, _ := poolABI.Pack("slot0")
	return data
}

// UnpackSlot0 extracts sqrtPriceX96 from a slot0 return blob.
func UnpackSlot0(data []byte) (*big.Int, error) {
	vals, err := poolABI.Unpack("slot0", data)
	if err != nil {
		return nil, fmt.Errorf("unpack slot0: %w", err)
	}
	sqrtPrice, ok := vals[0].(*big.Int)
	if !ok || sqrtPrice.Sign() <= 0 {
		return nil, fmt.Errorf("slot0 returned invalid sqrtPriceX96")
	}
	return sqrtPrice, nil
}

// PackLiquidity returns the calldata of the pool liquidity call.
func PackLiquidity() []byte {
	data, _ := poolABI.Pack("liquidity")
	return data
}

// UnpackLiquidity extracts the in-range liquidity from a liquidity return.
func UnpackLiquidity(data []byte) (*big.Int, error) {
	vals, err := poolABI.Unpack("liquidity", data)
	if err != nil {
		return nil, fmt.Errorf("unpack liquidity: %w", err)
	}
	liq, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("liquidity returned invalid value")
	}
	return liq, nil
}

// PackSwap builds the router swapExactInput calldata.
func PackSwap(pool, tokenIn common.Address, amountIn, minAmountOut, deadline *big.Int) []byte {
	data, err := routerABI.Pack("swapExactInput", pool, tokenIn, amountIn, minAmountOut, deadline)
	if err != nil {
		panic(fmt.Sprintf("pack swapExactInput: %v", err))
	}
	return data
}

// PackAddLiquidity builds the router addLiquidity calldata.
func PackAddLiquidity(pool common.Address, amount0, amount1, deadline *big.Int) []byte {
	data, err := routerABI.Pack("addLiquidity", pool, amount0, amount1, deadline)
	if err != nil {
		panic(fmt.Sprintf("pack addLiquidity: %v", err))
	}
	return data
}

// PackBridgeDeposit builds the bridge deposit calldata.
func PackBridgeDeposit(token common.Address, amount, targetChainID, deadline *big.Int) []byte {
	data, err := bridgeABI.Pack("deposit", token, amount, targetChainID, deadline)
	if err != nil {
		panic(fmt.Sprintf("pack deposit: %v", err))
	}
	return data
}

// PackDeliveries builds the delivery lookup calldata for a source tx hash.
func PackDeliveries(sourceTx common.Hash) []byte {
	data, _ := bridgeABI.Pack("deliveries", sourceTx)
	return data
}

// Delivery is the target-side bridge record for one transfer.
type Delivery struct {
	Delivered    bool
	TargetTxHash common.Hash
}

// UnpackDeliveries decodes a deliveries return blob.
func UnpackDeliveries(data []byte) (*Delivery, error) {
	vals, err := bridgeABI.Unpack("deliveries", data)
	if err != nil {
		return nil, fmt.Errorf("unpack deliveries: %w", err)
	}
	delivered, ok := vals[0].(bool)
	if !ok {
		return nil, fmt.Errorf("deliveries returned invalid flag")
	}
	raw, ok := vals[1].([32]byte)
	if !ok {
		return nil, fmt.Errorf("deliveries returned invalid target tx")
	}
	return &Delivery{Delivered: delivered, TargetTxHash: common.Hash(raw)}, nil
}

// PackRefunds builds the refund lookup calldata for a source tx hash.
func PackRefunds(sourceTx common.Hash) []byte {
	data, _ := bridgeABI.Pack("refunds", sourceTx)
	return data
}

// UnpackRefunds decodes a refunds return blob.
func UnpackRefunds(data []byte) (bool, error) {
	vals, err := bridgeABI.Unpack("refunds", data)
	if err != nil {
		return false, fmt.Errorf("unpack refunds: %w", err)
	}
	refunded, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("refunds returned invalid flag")
	}
	return refunded, nil
}

// SwapAmounts is the decoded SwapExecuted log of one router swap.
type SwapAmounts struct {
	Pool      common.Address
	TokenIn   common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
}

// ParseSwapLog finds and decodes the router's SwapExecuted log in a receipt.
// Settlement falls back to estimates when no such log is present.
func ParseSwapLog(rcpt *types.Receipt, router common.Address) (*SwapAmounts, bool) {
	for _, lg := range rcpt.Logs {
		if lg.Address != router || len(lg.Topics) < 2 || lg.Topics[0] != swapExecutedID {
			continue
		}
		vals, err := routerABI.Events["SwapExecuted"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) != 3 {
			continue
		}
		tokenIn, ok0 := vals[0].(common.Address)
		amountIn, ok1 := vals[1].(*big.Int)
		amountOut, ok2 := vals[2].(*big.Int)
		if !ok0 || !ok1 || !ok2 {
			continue
		}
		return &SwapAmounts{
			Pool:      common.BytesToAddress(lg.Topics[1].Bytes()),
			TokenIn:   tokenIn,
			AmountIn:  amountIn,
			AmountOut: amountOut,
		}, true
	}
	return nil, false
}

// EncodeSwapLog builds a SwapExecuted log entry, used by tests and the
// settlement fallback estimator to share one encoding.
func EncodeSwapLog(router, pool, tokenIn common.Address, amountIn, amountOut *big.Int) *types.Log {
	data, err := routerABI.Events["SwapExecuted"].Inputs.NonIndexed().Pack(tokenIn, amountIn, amountOut)
	if err != nil {
		panic(fmt.Sprintf("pack SwapExecuted: %v", err))
	}
	return &types.Log{
		Address: router,
		Topics:  []common.Hash{swapExecutedID, common.BytesToHash(pool.Bytes())},
		Data:    data,
	}
}
