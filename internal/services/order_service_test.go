package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/repositories"
)

type fakeRepositoryError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e fakeRepositoryError) Error() string       { return "repository error" }
func (e fakeRepositoryError) IsNotFound() bool    { return e.notFound }
func (e fakeRepositoryError) IsConflict() bool    { return e.conflict }
func (e fakeRepositoryError) IsUnavailable() bool { return e.unavailable }

type stubOrderRepo struct {
	insertFn func(ctx context.Context, order domain.Order) error
	updateFn func(ctx context.Context, orderID string, mutate repositories.OrderMutation, updatedAt time.Time) (domain.Order, error)
	findFn   func(ctx context.Context, orderID string) (domain.Order, error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return errors.New("not implemented")
}

func (s *stubOrderRepo) Update(ctx context.Context, orderID string, mutate repositories.OrderMutation, updatedAt time.Time) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, orderID, mutate, updatedAt)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func sampleCreateCommand() CreateOrderCommand {
	return CreateOrderCommand{
		Customer: Customer{Name: "Meena", Email: "meena@example.com"},
		Breakdown: PriceBreakdown{
			Subtotal:      50000,
			ShippingCost:  4500,
			TotalDiscount: 5000,
			FinalTotal:    49500,
			CouponCode:    "SAVE10",
		},
		Address: AddressResolution{Snapshot: `{"street":"12 Gandhi Road"}`, Guest: true},
		Lines: []CartLine{{
			ProductID:   "saree-1",
			ProductName: "Kanchipuram <b>Silk</b>",
			Quantity:    2,
			UnitPrice:   25000,
			Variant:     domain.VariantSelection{Size: "m", SizeLabel: "Medium"},
		}},
	}
}

func TestOrderServiceCreateGuestOrder(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))
	var inserted domain.Order
	repo := &stubOrderRepo{
		insertFn: func(ctx context.Context, order domain.Order) error {
			inserted = order
			return nil
		},
	}

	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      repo,
		Clock:       func() time.Time { return now },
		IDGenerator: func() string { return "01HTEST" },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	order, err := svc.Create(context.Background(), sampleCreateCommand())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if order.ID != "ord_01HTEST" {
		t.Fatalf("expected prefixed id, got %q", order.ID)
	}
	if order.Total != 49500 || order.Subtotal != 50000 || order.ShippingCost != 4500 || order.DiscountAmount != 5000 {
		t.Fatalf("unexpected totals %+v", order)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending order, got %s/%s", order.Status, order.PaymentStatus)
	}
	if !order.IsGuestOrder || order.ShippingAddressText == "" || order.ShippingAddressID != "" {
		t.Fatalf("expected guest snapshot address, got %+v", order)
	}
	if order.Notes != defaultGuestOrderNotes {
		t.Fatalf("expected default guest notes, got %q", order.Notes)
	}
	if order.CouponCode != "SAVE10" {
		t.Fatalf("expected coupon code, got %q", order.CouponCode)
	}
	if !order.CreatedAt.Equal(now) || order.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC creation time, got %s", order.CreatedAt)
	}
	if inserted.ID != order.ID {
		t.Fatalf("expected inserted order to match returned order")
	}

	items, err := DecodeLineItems(order.Products)
	if err != nil {
		t.Fatalf("DecodeLineItems: %v", err)
	}
	if len(items) != 1 || items[0].ProductName != "Kanchipuram Silk" || items[0].SizeLabel != "Medium" || items[0].Quantity != 2 {
		t.Fatalf("unexpected line snapshot %+v", items)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	svc, err := NewOrderService(OrderServiceDeps{Orders: &stubOrderRepo{}})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	noLines := sampleCreateCommand()
	noLines.Lines = nil
	noAddress := sampleCreateCommand()
	noAddress.Address = AddressResolution{}
	noContact := sampleCreateCommand()
	noContact.Customer = Customer{Name: "Anon"}

	for name, cmd := range map[string]CreateOrderCommand{
		"no lines":   noLines,
		"no address": noAddress,
		"no contact": noContact,
	} {
		if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("%s: expected ErrOrderInvalidInput, got %v", name, err)
		}
	}
}

func TestOrderServiceCreateMapsConflict(t *testing.T) {
	repo := &stubOrderRepo{
		insertFn: func(context.Context, domain.Order) error { return fakeRepositoryError{conflict: true} },
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	if _, err := svc.Create(context.Background(), sampleCreateCommand()); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestOrderServiceTransitionRecomputesTotal(t *testing.T) {
	stored := domain.Order{
		ID:             "ord_1",
		Subtotal:       50000,
		ShippingCost:   0,
		DiscountAmount: 5000,
		Total:          45000,
		Status:         domain.OrderStatusPending,
	}
	var gotTotal int64
	var gotPatch domain.OrderPatch
	repo := &stubOrderRepo{
		updateFn: func(_ context.Context, orderID string, mutate repositories.OrderMutation, _ time.Time) (domain.Order, error) {
			patch, total, err := mutate(stored)
			if err != nil {
				return domain.Order{}, err
			}
			gotTotal = total
			gotPatch = patch
			updated := stored
			updated.ShippingCost = *patch.ShippingCost
			updated.Total = total
			return updated, nil
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	shipping := int64(4500)
	updated, err := svc.Transition(context.Background(), "ord_1", domain.OrderPatch{ShippingCost: &shipping})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if gotTotal != 49500 || updated.Total != 49500 {
		t.Fatalf("expected recomputed total 49500, got %d", gotTotal)
	}
	if gotPatch.Status != nil {
		t.Fatalf("expected status to remain untouched")
	}
}

func TestOrderServiceTransitionRules(t *testing.T) {
	tests := []struct {
		from    domain.OrderStatus
		to      domain.OrderStatus
		allowed bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPending, domain.OrderStatusPaymentCancelled, true},
		{domain.OrderStatusPending, domain.OrderStatusPaymentError, true},
		{domain.OrderStatusPending, domain.OrderStatusPaymentIssue, true},
		{domain.OrderStatusPaymentIssue, domain.OrderStatusProcessing, true},
		{domain.OrderStatusProcessing, domain.OrderStatusProcessing, true},
		{domain.OrderStatusProcessing, domain.OrderStatusPaymentCancelled, false},
		{domain.OrderStatusProcessing, domain.OrderStatusPaymentError, false},
		{domain.OrderStatusPaymentCancelled, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPaymentCancelled, domain.OrderStatusPaymentIssue, true},
		{domain.OrderStatusPaymentCancelled, domain.OrderStatusPaymentError, false},
		{domain.OrderStatusPaymentError, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPaymentError, domain.OrderStatusPending, false},
	}

	for _, tc := range tests {
		current := domain.Order{ID: "ord_1", Status: tc.from, Subtotal: 100}
		repo := &stubOrderRepo{
			updateFn: func(_ context.Context, _ string, mutate repositories.OrderMutation, _ time.Time) (domain.Order, error) {
				patch, total, err := mutate(current)
				if err != nil {
					return domain.Order{}, err
				}
				updated := current
				updated.Status = *patch.Status
				updated.Total = total
				return updated, nil
			},
		}
		svc, err := NewOrderService(OrderServiceDeps{Orders: repo})
		if err != nil {
			t.Fatalf("NewOrderService: %v", err)
		}
		target := tc.to
		_, err = svc.Transition(context.Background(), "ord_1", domain.OrderPatch{Status: &target})
		if tc.allowed && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.allowed && !errors.Is(err, ErrOrderInvalidState) {
			t.Fatalf("%s -> %s: expected ErrOrderInvalidState, got %v", tc.from, tc.to, err)
		}
	}
}

func TestOrderServiceTransitionChecksStoredSnapshot(t *testing.T) {
	// The order was cancelled and re-priced after any earlier read; only the snapshot handed to
	// the mutation counts.
	stored := domain.Order{
		ID:             "ord_1",
		Subtotal:       50000,
		ShippingCost:   9000,
		DiscountAmount: 5000,
		Total:          54000,
		Status:         domain.OrderStatusPaymentCancelled,
	}
	writes := 0
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			t.Fatalf("Transition must not rely on a read outside the write")
			return domain.Order{}, nil
		},
		updateFn: func(_ context.Context, _ string, mutate repositories.OrderMutation, _ time.Time) (domain.Order, error) {
			patch, total, err := mutate(stored)
			if err != nil {
				return domain.Order{}, err
			}
			writes++
			updated := stored
			if patch.Status != nil {
				updated.Status = *patch.Status
			}
			updated.Total = total
			return updated, nil
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	errored := domain.OrderStatusPaymentError
	if _, err := svc.Transition(context.Background(), "ord_1", domain.OrderPatch{Status: &errored}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if writes != 0 {
		t.Fatalf("expected rejected transition not to write")
	}

	processing := domain.OrderStatusProcessing
	updated, err := svc.Transition(context.Background(), "ord_1", domain.OrderPatch{Status: &processing})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Status != processing || updated.Total != 54000 {
		t.Fatalf("expected total from stored shipping 9000, got %+v", updated)
	}
}

func TestOrderServiceTransitionRejectsBadPatches(t *testing.T) {
	svc, err := NewOrderService(OrderServiceDeps{Orders: &stubOrderRepo{}})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	if _, err := svc.Transition(context.Background(), "ord_1", domain.OrderPatch{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected empty patch to be rejected, got %v", err)
	}
	negative := int64(-1)
	if _, err := svc.Transition(context.Background(), "ord_1", domain.OrderPatch{ShippingCost: &negative}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected negative shipping to be rejected, got %v", err)
	}
}

func TestOrderServiceTransitionSanitisesNotes(t *testing.T) {
	current := domain.Order{ID: "ord_1", Status: domain.OrderStatusPending}
	var notes string
	repo := &stubOrderRepo{
		updateFn: func(_ context.Context, _ string, mutate repositories.OrderMutation, _ time.Time) (domain.Order, error) {
			patch, _, err := mutate(current)
			if err != nil {
				return domain.Order{}, err
			}
			notes = *patch.Notes
			return current, nil
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	raw := `<script>alert(1)</script>Leave at gate`
	if _, err := svc.Transition(context.Background(), "ord_1", domain.OrderPatch{Notes: &raw}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if strings.Contains(notes, "<") || !strings.Contains(notes, "Leave at gate") {
		t.Fatalf("expected markup stripped, got %q", notes)
	}
}

func TestOrderServiceGetNotFound(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, fakeRepositoryError{notFound: true}
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceGetUnavailable(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, fakeRepositoryError{unavailable: true}
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	if _, err := svc.Get(context.Background(), "ord_1"); !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected ErrOrderUnavailable, got %v", err)
	}
}
