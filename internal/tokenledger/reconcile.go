package tokenledger

import (
	"context"
	"math/big"
)

// Source names where a resolved balance came from.
type Source string

const (
	SourceLive   Source = "live"
	SourceLedger Source = "ledger"
)

// Resolution is the outcome of reconciling a live read against the ledger.
type Resolution struct {
	Balance  string `json:"balance"`
	Source   Source `json:"source"`
	Live     string `json:"live,omitempty"`
	Ledger   string `json:"ledger"`
	Mismatch bool   `json:"mismatch"`
}

// Resolve picks a balance from a live network read and the local ledger.
//
// Precedence:
//  1. live unavailable (liveErr != nil or live == nil): ledger
//  2. live == ledger: live
//  3. live != ledger: ledger, Mismatch set. Local effects are recorded
//     before the network confirms them, so the network may lag.
func Resolve(live *big.Int, liveErr error, ledger *big.Int) Resolution {
	if ledger == nil {
		ledger = new(big.Int)
	}
	r := Resolution{Ledger: ledger.String()}
	if liveErr != nil || live == nil {
		r.Balance = ledger.String()
		r.Source = SourceLedger
		return r
	}
	r.Live = live.String()
	if live.Cmp(ledger) == 0 {
		r.Balance = live.String()
		r.Source = SourceLive
		return r
	}
	r.Balance = ledger.String()
	r.Source = SourceLedger
	r.Mismatch = true
	return r
}

// BalanceReader reads a token balance from the settlement network.
type BalanceReader interface {
	BalanceOf(ctx context.Context, contract, wallet string) (*big.Int, error)
}

// ResolveBalance reads both sources and reconciles them. A nil reader
// behaves as an unavailable network.
func (l *Ledger) ResolveBalance(ctx context.Context, reader BalanceReader, contract, wallet string) (*Resolution, error) {
	ledgerBal, err := l.Balance(ctx, contract, wallet)
	if err != nil {
		return nil, err
	}

	var (
		live    *big.Int
		liveErr error = errNoReader
	)
	if reader != nil && contract != "" {
		live, liveErr = reader.BalanceOf(ctx, contract, wallet)
		if liveErr != nil {
			l.logger.Warn("live balance read failed, using ledger",
				"contract", contract, "wallet", wallet, "error", liveErr)
		}
	}

	r := Resolve(live, liveErr, ledgerBal)
	if r.Mismatch {
		l.logger.Warn("live balance disagrees with ledger",
			"contract", contract, "wallet", wallet, "live", r.Live, "ledger", r.Ledger)
	}
	return &r, nil
}
