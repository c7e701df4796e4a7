package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/bridge"
	"github.com/cqt-network/arbd/detector"
	"github.com/cqt-network/arbd/gateway"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
)

// runIntra executes a same-network pair: sell the subject token into the
// expensive source pool, buy it back cheaper at the target pool.
func (e *Executor) runIntra(ex *Execution) {
	opp := ex.Opp
	network := opp.SourceNetwork
	ncfg, ok := e.cfg.Networks[network]
	if !ok {
		e.abandon(ex, "unknown-network")
		return
	}
	srcPool, okS := e.cfg.Pool(opp.SourcePool)
	dstPool, okD := e.cfg.Pool(opp.TargetPool)
	if !okS || !okD {
		e.abandon(ex, "unknown-pool")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), params.DefaultInjectionTimeout)
	defer cancel()

	if err := e.checkGasDrift(ctx, network, opp.SourceGasPrice); err != nil {
		e.logger.Warn("Aborting before submission", "execution", ex.ID, "err", err)
		e.abandon(ex, "gas-drift")
		return
	}

	deadline := big.NewInt(e.now().Add(params.DefaultLegConfirmTimeout).Unix())
	cqtAddr := ncfg.Tokens[arbconfig.CQTSymbol]

	// Leg 0: sell CQT into the source pool.
	sellData := gateway.PackSwap(srcPool.Address, cqtAddr,
		opp.SwapInSource.ToBig(), e.lessSlippage(opp.SwapOutSource), deadline)
	leg0, err := e.submitLeg(ctx, ex, ledger.LegSwap, network, ncfg.Router, sellData)
	if err != nil {
		e.fail(ex, "swap-source", err)
		return
	}
	pairedOut := e.swapOut(leg0, network, opp.SwapOutSource)

	// Leg 1: buy CQT back at the target pool. When both pools share a quote
	// token the actual output feeds straight in; otherwise the planned
	// cross-quote amount does.
	buyIn := pairedOut
	if srcPool.PairedToken() != dstPool.PairedToken() {
		buyIn = opp.SwapInTarget.ToBig()
	}
	buyData := gateway.PackSwap(dstPool.Address, ncfg.Tokens[dstPool.PairedToken()],
		buyIn, e.lessSlippage(opp.SwapOutTarget), deadline)
	leg1, err := e.submitLeg(ctx, ex, ledger.LegSwap, network, ncfg.Router, buyData)
	if err != nil {
		e.fail(ex, "swap-target", err)
		return
	}
	cqtBack := e.swapOut(leg1, network, opp.SwapOutTarget)

	// Realized profit: CQT recovered minus CQT sold minus costs.
	realized := new(big.Int).Sub(cqtBack, opp.SwapInSource.ToBig())
	realized.Sub(realized, opp.EstGasCost.ToBig())
	e.complete(ex, realized)
}

// runCross executes a cross-network pair: buy the subject token where it is
// cheap, bridge it, sell it where it is expensive.
func (e *Executor) runCross(ex *Execution) {
	opp := ex.Opp
	srcCfg, okS := e.cfg.Networks[opp.SourceNetwork]
	dstCfg, okD := e.cfg.Networks[opp.TargetNetwork]
	if !okS || !okD {
		e.abandon(ex, "unknown-network")
		return
	}
	srcPool, okP := e.cfg.Pool(opp.SourcePool)
	dstPool, okQ := e.cfg.Pool(opp.TargetPool)
	if !okP || !okQ {
		e.abandon(ex, "unknown-pool")
		return
	}
	srcBridge, ok := e.cfg.CrossChain.BridgeContracts[opp.SourceNetwork]
	if !ok {
		e.abandon(ex, "no-bridge-contract")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), params.DefaultInjectionTimeout)
	defer cancel()

	if err := e.checkGasDrift(ctx, opp.SourceNetwork, opp.SourceGasPrice); err != nil {
		e.logger.Warn("Aborting before submission", "execution", ex.ID, "err", err)
		e.abandon(ex, "gas-drift")
		return
	}
	if err := e.checkGasDrift(ctx, opp.TargetNetwork, opp.TargetGasPrice); err != nil {
		e.logger.Warn("Aborting before submission", "execution", ex.ID, "err", err)
		e.abandon(ex, "gas-drift")
		return
	}

	deadline := big.NewInt(e.now().Add(params.DefaultLegConfirmTimeout).Unix())

	// Leg 0: buy CQT at the source pool with the paired token.
	buyData := gateway.PackSwap(srcPool.Address, srcCfg.Tokens[srcPool.PairedToken()],
		opp.SwapInSource.ToBig(), e.lessSlippage(opp.TradeSize), deadline)
	leg0, err := e.submitLeg(ctx, ex, ledger.LegSwap, opp.SourceNetwork, srcCfg.Router, buyData)
	if err != nil {
		e.fail(ex, "swap-source", err)
		return
	}
	cqtBought := e.swapOut(leg0, opp.SourceNetwork, opp.TradeSize)

	// Leg 1: deposit into the bridge toward the target chain.
	bridgeDeadline := e.now().Add(e.cfg.CrossChain.ConfirmationTimeout)
	depositData := gateway.PackBridgeDeposit(srcCfg.Tokens[arbconfig.CQTSymbol],
		cqtBought, new(big.Int).SetUint64(dstCfg.ChainID), big.NewInt(bridgeDeadline.Unix()))
	leg1, err := e.submitLeg(ctx, ex, ledger.LegBridge, opp.SourceNetwork, srcBridge, depositData)
	if err != nil {
		e.fail(ex, "bridge-deposit", err)
		return
	}

	results := e.tracker.Track(&bridge.Transfer{
		ExecutionID:   ex.ID,
		SourceTxHash:  leg1.TxHash,
		SourceNetwork: opp.SourceNetwork,
		TargetNetwork: opp.TargetNetwork,
		Amount:        cqtBought,
		Deadline:      bridgeDeadline,
	})

	var res bridge.Result
	select {
	case res = <-results:
	case <-e.quit:
		// The transfer stays tracked and the execution stays open in the
		// ledger; restart reconciliation picks both up.
		e.logger.Warn("Shutdown with bridge transfer in flight", "execution", ex.ID, "sourceTx", leg1.TxHash)
		return
	}

	switch {
	case res.Refunded:
		e.fail(ex, "bridge-refunded", fmt.Errorf("deposit %s refunded on %s", leg1.TxHash, opp.SourceNetwork))
		return
	case res.TimedOut:
		e.led.MustAppend(ledger.KindStrandedAsset, &ledger.StrandedAssetPayload{
			ExecutionID:  ex.ID,
			SourceTxHash: leg1.TxHash,
			Network:      opp.TargetNetwork,
			Token:        arbconfig.CQTSymbol,
			Amount:       cqtBought,
			At:           e.now().UTC(),
		})
		e.fail(ex, "bridge-timeout", fmt.Errorf("transfer %s exceeded %s", leg1.TxHash, e.cfg.CrossChain.ConfirmationTimeout))
		return
	}

	// Leg 2: sell the delivered CQT at the target pool. The bridge wait can
	// outlive the first phase's context, so the sell gets a fresh one.
	sellCtx, sellCancel := context.WithTimeout(context.Background(), params.DefaultInjectionTimeout)
	defer sellCancel()
	sellDeadline := big.NewInt(e.now().Add(params.DefaultLegConfirmTimeout).Unix())
	sellData := gateway.PackSwap(dstPool.Address, dstCfg.Tokens[arbconfig.CQTSymbol],
		cqtBought, e.lessSlippage(opp.SwapOutTarget), sellDeadline)
	leg2, err := e.submitLeg(sellCtx, ex, ledger.LegSwap, opp.TargetNetwork, dstCfg.Router, sellData)
	if err != nil {
		e.fail(ex, "swap-target", err)
		return
	}
	pairedOut := e.swapOut(leg2, opp.TargetNetwork, opp.SwapOutTarget)

	realized := e.settleCross(opp, &srcPool, &dstPool, opp.SwapInSource.ToBig(), pairedOut)
	e.complete(ex, realized)
}

// settleCross values a cross-network round trip in CQT base units: the
// paired amount received on the target minus the paired amount spent on the
// source, both through their USD reference rates, divided by the CQT price
// implied by the plan, minus the estimated gas and bridge costs. Both sides
// carry 18 decimals, so base-unit ratios need no scale correction.
func (e *Executor) settleCross(opp *detector.Opportunity, srcPool, dstPool *arbconfig.PoolConfig, pairedIn, pairedOut *big.Int) *big.Int {
	rateSrc, okS := e.cfg.QuoteRate(srcPool.PairedToken())
	rateDst, okD := e.cfg.QuoteRate(dstPool.PairedToken())
	if !okS || !okD || opp.TradeSize.IsZero() {
		e.logger.Warn("Missing quote rate, settling on estimate", "execution opportunity", opp.ID)
		return new(big.Int).Set(opp.NetProfit)
	}

	profitUSD := new(big.Rat).Mul(new(big.Rat).SetInt(pairedOut), rateDst.Rat())
	profitUSD.Sub(profitUSD, new(big.Rat).Mul(new(big.Rat).SetInt(pairedIn), rateSrc.Rat()))

	// USD per whole CQT as the plan priced it at the source.
	cqtUSD := new(big.Rat).SetFrac(opp.SwapInSource.ToBig(), opp.TradeSize.ToBig())
	cqtUSD.Mul(cqtUSD, rateSrc.Rat())
	if cqtUSD.Sign() <= 0 {
		return new(big.Int).Set(opp.NetProfit)
	}

	realized := profitUSD.Quo(profitUSD, cqtUSD)
	out := new(big.Int).Quo(realized.Num(), realized.Denom())
	out.Sub(out, opp.EstGasCost.ToBig())
	out.Sub(out, opp.EstBridgeCost.ToBig())
	return out
}

// ResumeCross re-attaches a replayed cross-network execution to its resumed
// bridge transfer: a delivery runs the post-bridge sell leg, a refund or
// timeout fails the execution. amount is the bridged CQT from the transfer
// record; the original plan is gone, so the sell prices its minimum-out
// against the pool's current state and the execution settles with zero
// realized profit, the pre-restart spend being unrecoverable.
func (e *Executor) ResumeCross(open *ledger.OpenExecution, amount *big.Int, results <-chan bridge.Result) {
	dstPool, ok := e.cfg.Pool(open.TargetPool)
	if !ok {
		e.led.MustAppend(ledger.KindExecutionFailed, &ledger.ExecutionFailedPayload{
			ExecutionID: open.ExecutionID,
			Reason:      "unknown-pool",
			FailedAt:    e.now().UTC(),
		})
		return
	}
	sourceNetwork := ""
	if srcPool, ok := e.cfg.Pool(open.SourcePool); ok {
		sourceNetwork = srcPool.Network
	}
	size := uint256.NewInt(0)
	if open.TradeSize != nil {
		size, _ = uint256.FromBig(open.TradeSize)
	}

	ex := &Execution{
		ID: open.ExecutionID,
		Opp: &detector.Opportunity{
			ID:            open.OpportunityID,
			SourcePool:    open.SourcePool,
			TargetPool:    open.TargetPool,
			SourceNetwork: sourceNetwork,
			TargetNetwork: dstPool.Network,
			CrossChain:    true,
			Direction:     arbconfig.CQTSymbol,
			TradeSize:     size,
			EstGasCost:    uint256.NewInt(0),
			EstBridgeCost: uint256.NewInt(0),
			NetProfit:     new(big.Int),
			DetectedAt:    open.ReservedAt,
		},
		Status:     StatusConfirming,
		ReservedAt: open.ReservedAt,
	}
	for _, leg := range open.Legs {
		ex.Legs = append(ex.Legs, &Leg{
			Index:     leg.Index,
			Kind:      leg.Kind,
			Network:   leg.Network,
			TxHash:    leg.TxHash,
			GasPrice:  leg.GasPrice,
			Confirmed: leg.Confirmed,
		})
	}

	pair := ex.Opp.Pair()
	e.claimSlot(pair, ex.ID)
	e.mu.Lock()
	e.inflight[ex.ID] = ex
	inflightGauge.Update(int64(len(e.inflight)))
	e.mu.Unlock()
	e.logger.Info("Execution re-attached to bridge transfer", "id", ex.ID, "amount", amount)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.releaseSlot(pair)

		var res bridge.Result
		select {
		case res = <-results:
		case <-e.quit:
			// The transfer stays tracked and the execution stays open in the
			// ledger; the next start re-attaches both.
			e.logger.Warn("Shutdown with resumed bridge transfer in flight", "execution", ex.ID)
			return
		}
		e.finishResumed(ex, &dstPool, amount, res)

		e.mu.Lock()
		if ex.Status.Terminal() {
			delete(e.inflight, ex.ID)
			e.history = append(e.history, ex)
			if len(e.history) > historyLimit {
				e.history = e.history[len(e.history)-historyLimit:]
			}
		}
		inflightGauge.Update(int64(len(e.inflight)))
		e.mu.Unlock()
	}()
}

// finishResumed settles a resumed execution from its bridge outcome,
// mirroring the terminal half of runCross.
func (e *Executor) finishResumed(ex *Execution, dstPool *arbconfig.PoolConfig, amount *big.Int, res bridge.Result) {
	opp := ex.Opp
	switch {
	case res.Refunded:
		e.fail(ex, "bridge-refunded", fmt.Errorf("deposit %s refunded on %s", bridgeLegHash(ex), opp.SourceNetwork))
		return
	case res.TimedOut:
		e.led.MustAppend(ledger.KindStrandedAsset, &ledger.StrandedAssetPayload{
			ExecutionID:  ex.ID,
			SourceTxHash: bridgeLegHash(ex),
			Network:      opp.TargetNetwork,
			Token:        arbconfig.CQTSymbol,
			Amount:       amount,
			At:           e.now().UTC(),
		})
		e.fail(ex, "bridge-timeout", fmt.Errorf("transfer %s exceeded %s", bridgeLegHash(ex), e.cfg.CrossChain.ConfirmationTimeout))
		return
	}

	dstCfg, ok := e.cfg.Networks[dstPool.Network]
	if !ok {
		e.fail(ex, "unknown-network", fmt.Errorf("network %q not configured", dstPool.Network))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), params.DefaultInjectionTimeout)
	defer cancel()

	minOut, err := e.quoteMinOut(ctx, dstPool, amount)
	if err != nil {
		e.fail(ex, "swap-target", err)
		return
	}
	deadline := big.NewInt(e.now().Add(params.DefaultLegConfirmTimeout).Unix())
	sellData := gateway.PackSwap(dstPool.Address, dstCfg.Tokens[arbconfig.CQTSymbol], amount, minOut, deadline)
	if _, err := e.submitLeg(ctx, ex, ledger.LegSwap, dstPool.Network, dstCfg.Router, sellData); err != nil {
		e.fail(ex, "swap-target", err)
		return
	}
	e.complete(ex, new(big.Int))
}

// quoteMinOut prices a CQT sell against the pool's current sqrt price and
// applies the slippage bound.
func (e *Executor) quoteMinOut(ctx context.Context, pool *arbconfig.PoolConfig, amount *big.Int) (*big.Int, error) {
	state, err := e.chain.ReadPoolState(ctx, pool.Network, pool.Address)
	if err != nil {
		return nil, fmt.Errorf("pool state: %w", err)
	}
	num := new(big.Int).Mul(state.SqrtPriceX96, state.SqrtPriceX96)
	den := new(big.Int).Lsh(big.NewInt(1), 192)
	if !pool.CQTIsToken0() {
		num, den = den, num
	}
	out := new(big.Int).Mul(amount, num)
	out.Quo(out, den)
	out.Mul(out, big.NewInt(10_000-e.cfg.Arbitrage.MaxSlippageBps))
	return out.Quo(out, big.NewInt(10_000)), nil
}

// bridgeLegHash returns the deposit hash of the execution's bridge leg.
func bridgeLegHash(ex *Execution) common.Hash {
	for _, leg := range ex.Legs {
		if leg.Kind == ledger.LegBridge {
			return leg.TxHash
		}
	}
	return common.Hash{}
}
