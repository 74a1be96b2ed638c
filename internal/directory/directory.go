// Package directory resolves users to their settlement wallets and keeps
// the per-user counters the order flow rewards: reputation and green credits.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound       = errors.New("profile not found")
	ErrWalletMissing  = errors.New("user has no linked wallet")
	ErrInvalidAddress = errors.New("invalid address")
)

// Profile is a user's settlement-facing profile.
type Profile struct {
	UserID          int64     `json:"userId"`
	WalletAddress   string    `json:"walletAddress,omitempty"`
	DefaultContract string    `json:"defaultContract,omitempty"`
	Reputation      int64     `json:"reputation"`
	GreenCredits    int64     `json:"greenCredits"`
	ReferredBy      int64     `json:"referredBy,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists profiles.
type Store interface {
	Get(ctx context.Context, userID int64) (*Profile, error)
	// SetWallet links a wallet and, if non-empty, a default contract.
	SetWallet(ctx context.Context, userID int64, wallet, contract string) (*Profile, error)
	// AddCounters adjusts reputation and green credits, creating the row if needed.
	AddCounters(ctx context.Context, userID int64, reputation, greenCredits int64) error
}

// Directory answers wallet and reputation lookups.
type Directory struct {
	store Store
}

// New creates a directory.
func New(store Store) *Directory {
	return &Directory{store: store}
}

// Profile returns a user's profile, or an empty one for an unknown user.
func (d *Directory) Profile(ctx context.Context, userID int64) (*Profile, error) {
	p, err := d.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Profile{UserID: userID}, nil
	}
	return p, err
}

// WalletAddress returns the user's linked wallet.
func (d *Directory) WalletAddress(ctx context.Context, userID int64) (string, error) {
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return "", err
	}
	if p.WalletAddress == "" {
		return "", ErrWalletMissing
	}
	return p.WalletAddress, nil
}

// DefaultContract returns the user's saved contract, or "" when none is set.
func (d *Directory) DefaultContract(ctx context.Context, userID int64) (string, error) {
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.DefaultContract, nil
}

// Reputation returns the user's reputation score.
func (d *Directory) Reputation(ctx context.Context, userID int64) (int64, error) {
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.Reputation, nil
}

// ReferredBy returns the id of the user who referred userID, or 0.
func (d *Directory) ReferredBy(ctx context.Context, userID int64) (int64, error) {
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.ReferredBy, nil
}

// LinkWallet validates and stores a wallet and optional default contract.
func (d *Directory) LinkWallet(ctx context.Context, userID int64, wallet, contract string) (*Profile, error) {
	w, ok := normalize(wallet)
	if !ok || w == "" {
		return nil, ErrInvalidAddress
	}
	c, ok := normalize(contract)
	if !ok {
		return nil, ErrInvalidAddress
	}
	return d.store.SetWallet(ctx, userID, w, c)
}

// AddReputation credits reputation points.
func (d *Directory) AddReputation(ctx context.Context, userID, points int64) error {
	return d.store.AddCounters(ctx, userID, points, 0)
}

// AddGreenCredits credits green credits.
func (d *Directory) AddGreenCredits(ctx context.Context, userID, credits int64) error {
	return d.store.AddCounters(ctx, userID, 0, credits)
}

func normalize(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", true
	}
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}
