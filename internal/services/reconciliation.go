package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/karigai/settlement/internal/domain"
)

const gatewayOrderIDPrefix = "order_"

var (
	// ErrGatewayPrecondition marks a gateway order that cannot be trusted enough to open the widget.
	ErrGatewayPrecondition = errors.New("reconciliation: gateway precondition failed")
	// ErrGatewayAmountMismatch is the precondition failure for a gateway amount that differs from ours.
	ErrGatewayAmountMismatch = fmt.Errorf("%w: amount mismatch", ErrGatewayPrecondition)
)

// ReconciliationGuardDeps wires the pre-payment reconciliation step.
type ReconciliationGuardDeps struct {
	Orders   OrderService
	Shipping ShippingConfigService
	Regions  RegionClassifier
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationGuard struct {
	orders   OrderService
	shipping ShippingConfigService
	regions  RegionClassifier
	logger   func(context.Context, string, map[string]any)
}

// NewReconciliationGuard validates dependencies and returns the guard.
func NewReconciliationGuard(deps ReconciliationGuardDeps) (ReconciliationGuard, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation guard: order service is required")
	}
	if deps.Shipping == nil {
		return nil, errors.New("reconciliation guard: shipping config service is required")
	}
	regions := deps.Regions
	if regions == nil {
		regions = NewPostalRegionClassifier()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reconciliationGuard{
		orders:   deps.Orders,
		shipping: deps.Shipping,
		regions:  regions,
		logger:   logger,
	}, nil
}

// Reconcile recomputes shipping from the destination. A stored zero is overwritten with the fresh
// value and written back before any gateway call; a differing non-zero value is logged and kept.
func (g *reconciliationGuard) Reconcile(ctx context.Context, order Order, destination Destination, lines []CartLine) (Reconciliation, error) {
	result := Reconciliation{
		Order:        order,
		ShippingCost: order.ShippingCost,
		AmountPaise:  domain.OrderTotal(order.Subtotal, order.ShippingCost, order.DiscountAmount),
	}
	if !destination.HasState() {
		return result, nil
	}

	cfg, err := g.shipping.Config(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	fresh, _ := shippingFor(lines, isHomeDestination(g.regions, destination), cfg)

	switch {
	case order.ShippingCost == 0 && fresh > 0:
		corrected, err := g.orders.Transition(ctx, order.ID, OrderPatch{ShippingCost: &fresh})
		if err != nil {
			return Reconciliation{}, fmt.Errorf("reconciliation: write corrected shipping: %w", err)
		}
		g.logger(ctx, "settlement.reconcile.shipping_corrected", map[string]any{
			"orderId":  order.ID,
			"shipping": fresh,
		})
		result.Order = corrected
		result.ShippingCost = fresh
		result.Corrected = true
	case order.ShippingCost != fresh:
		g.logger(ctx, "settlement.reconcile.shipping_mismatch", map[string]any{
			"orderId":  order.ID,
			"stored":   order.ShippingCost,
			"computed": fresh,
		})
	}

	result.AmountPaise = domain.OrderTotal(order.Subtotal, result.ShippingCost, order.DiscountAmount)
	return result, nil
}

// VerifyGatewayOrder rejects gateway orders with a foreign id, another currency or another amount.
func (g *reconciliationGuard) VerifyGatewayOrder(ctx context.Context, gatewayOrder GatewayOrder, expectedPaise int64) error {
	id := strings.TrimSpace(gatewayOrder.ID)
	if !strings.HasPrefix(id, gatewayOrderIDPrefix) || len(id) == len(gatewayOrderIDPrefix) {
		g.logger(ctx, "settlement.gateway_order.malformed", map[string]any{"gatewayOrderId": id})
		return fmt.Errorf("%w: malformed gateway order id %q", ErrGatewayPrecondition, id)
	}
	if !strings.EqualFold(strings.TrimSpace(gatewayOrder.Currency), domain.CurrencyINR) {
		g.logger(ctx, "settlement.gateway_order.currency_mismatch", map[string]any{
			"gatewayOrderId": id,
			"currency":       gatewayOrder.Currency,
		})
		return fmt.Errorf("%w: currency %q", ErrGatewayPrecondition, gatewayOrder.Currency)
	}
	if gatewayOrder.Amount != expectedPaise {
		g.logger(ctx, "settlement.gateway_order.amount_mismatch", map[string]any{
			"gatewayOrderId": id,
			"expected":       expectedPaise,
			"received":       gatewayOrder.Amount,
		})
		return fmt.Errorf("%w: expected %d paise, gateway reported %d", ErrGatewayAmountMismatch, expectedPaise, gatewayOrder.Amount)
	}
	return nil
}
