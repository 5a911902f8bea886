package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/ecommerce"
)

var orderStatusEmoji = map[string]string{
	"pending":    "⏳",
	"processing": "🔄",
	"shipped":    "🚚",
	"delivered":  "✅",
	"cancelled":  "❌",
}

// OrderStatus looks up an order by the extracted order id.
type OrderStatus struct {
	api    ProductAPI
	logger *zap.Logger
}

func NewOrderStatus(api ProductAPI, logger *zap.Logger) *OrderStatus {
	return &OrderStatus{api: api, logger: logger}
}

func (h *OrderStatus) Handle(ctx context.Context, _ string, hctx *Context) (string, error) {
	var orderID string
	if hctx.Intent != nil {
		orderID = strings.TrimSpace(hctx.Intent.Entities["order_id"])
	}
	if orderID == "" {
		return "Please provide your order ID (e.g., ORD-123456) to check the status.", nil
	}

	order, err := h.api.GetOrderStatus(ctx, orderID)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return "", err
		}
		if !errors.Is(err, ecommerce.ErrNotFound) {
			h.logger.Error("Order status fetch failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return fmt.Sprintf("I couldn't retrieve the status for order %s. Please verify the order ID and try again.", orderID), nil
	}
	return formatOrderStatus(order), nil
}

func formatOrderStatus(order *ecommerce.Order) string {
	status := strings.ToLower(order.Status)
	emoji, ok := orderStatusEmoji[status]
	if !ok {
		emoji = "📦"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s **Order %s**\n", emoji, order.OrderID)
	fmt.Fprintf(&b, "📋 **Status:** %s\n", titleCase(status))
	if len(order.Items) > 0 {
		fmt.Fprintf(&b, "📦 **Items:** %d item(s)\n", len(order.Items))
	}
	if order.Total > 0 {
		// Order payloads carry no currency; the storefront bills in INR.
		fmt.Fprintf(&b, "💰 **Total:** %s\n", formatPrice(order.Total, "INR"))
	}
	if !order.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "🕐 **Updated:** %s\n", order.UpdatedAt.Format("02 Jan 2006"))
	}
	b.WriteString("\nIs there anything else you'd like to know about your order?")
	return b.String()
}

// titleCase uppercases the first letter only; order statuses are single
// lowercase words.
func titleCase(s string) string {
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
