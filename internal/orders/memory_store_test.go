package orders

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_CreateAssignsIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	o := &Order{BuyerID: 1, SellerID: 2, Status: StatusPending}
	lines := []*OrderLine{{ProductID: 10, Quantity: 2, UnitPrice: 5}}
	if err := s.Create(ctx, o, lines); err != nil {
		t.Fatal(err)
	}
	if o.ID == 0 || lines[0].ID == 0 || lines[0].OrderID != o.ID {
		t.Fatalf("ids not assigned: order %d line %+v", o.ID, lines[0])
	}

	got, err := s.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Lines) != 1 {
		t.Errorf("expected 1 line, got %d", len(got.Lines))
	}

	if err := s.Delete(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, o.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestMemoryStore_TransitionIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := &Order{BuyerID: 1, SellerID: 2, Status: StatusPending}
	_ = s.Create(ctx, o, nil)

	now := time.Now()
	if err := s.Transition(ctx, o.ID, Transition{From: StatusPending, To: StatusBuyerConfirmed, GreenConfirmed: true, At: now}); err != nil {
		t.Fatal(err)
	}
	err := s.Transition(ctx, o.ID, Transition{From: StatusPending, To: StatusSellerConfirmed, At: now})
	if !errors.Is(err, ErrStaleOrder) {
		t.Fatalf("expected stale, got %v", err)
	}
	if err := s.Transition(ctx, o.ID, Transition{From: StatusBuyerConfirmed, To: StatusCompleted, At: now}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, o.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("expected completed with timestamp, got %s", got.Status)
	}
	if !got.IsGreenConfirmed {
		t.Error("green confirmation lost on later transition")
	}
	if err := s.Transition(ctx, 99, Transition{From: StatusPending, To: StatusCancelled}); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = s.Create(ctx, &Order{BuyerID: 1, SellerID: 2}, nil)
	}
	_ = s.Create(ctx, &Order{BuyerID: 5, SellerID: 2}, nil)

	mine, _ := s.ListByBuyer(ctx, 1, 0, 2)
	if len(mine) != 2 || mine[0].ID < mine[1].ID {
		t.Errorf("expected 2 newest-first, got %+v", mine)
	}
	sold, _ := s.ListBySeller(ctx, 2, 0, 0)
	if len(sold) != 4 {
		t.Errorf("expected 4, got %d", len(sold))
	}
}

func TestMemoryStore_EscrowEntriesAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.AppendEscrowEntry(ctx, &EscrowEntry{OrderID: 1, Status: EscrowLocked})
	_ = s.AppendEscrowEntry(ctx, &EscrowEntry{OrderID: 1, Status: EscrowReleased, TxHash: "0xabc"})

	list, err := s.ListEscrowEntries(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Status != EscrowLocked || list[1].TxHash != "0xabc" {
		t.Errorf("unexpected entries %+v", list)
	}
	if list[0].ID == "" || list[0].CreatedAt.IsZero() {
		t.Error("expected id and timestamp assigned")
	}
}
