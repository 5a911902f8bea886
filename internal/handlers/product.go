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

// ProductAPI is the slice of the e-commerce client the product and order
// handlers need.
type ProductAPI interface {
	SearchProducts(ctx context.Context, query string, filters map[string]string) ([]ecommerce.Product, error)
	GetProduct(ctx context.Context, id string) (*ecommerce.Product, error)
	GetOrderStatus(ctx context.Context, orderID string) (*ecommerce.Order, error)
}

// stopwords are dropped when deriving search keywords from a raw message.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "me": true, "my": true,
	"you": true, "your": true, "is": true, "are": true, "was": true,
	"do": true, "does": true, "can": true, "could": true, "please": true,
	"want": true, "need": true, "to": true, "for": true, "of": true,
	"in": true, "on": true, "show": true, "find": true, "search": true,
	"looking": true, "buy": true, "get": true, "some": true, "any": true,
	"and": true, "or": true, "with": true, "about": true, "tell": true,
	"more": true, "it": true, "this": true, "that": true, "what": true,
	"have": true, "product": true, "products": true, "item": true,
}

// ProductQuery searches the catalog and formats the results.
type ProductQuery struct {
	api     ProductAPI
	maxShow int
	logger  *zap.Logger
}

// NewProductQuery creates the product search handler. maxShow caps the
// numbered list; 0 means the default of 5.
func NewProductQuery(api ProductAPI, maxShow int, logger *zap.Logger) *ProductQuery {
	if maxShow <= 0 {
		maxShow = 5
	}
	return &ProductQuery{api: api, maxShow: maxShow, logger: logger}
}

func (h *ProductQuery) Handle(ctx context.Context, message string, hctx *Context) (string, error) {
	keywords := extractKeywords(message, hctx)
	if len(keywords) == 0 {
		return "I'd be happy to help you find products! Could you tell me what you're looking for?", nil
	}
	query := strings.Join(keywords, " ")

	products, err := h.api.SearchProducts(ctx, query, nil)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return "", err
		}
		h.logger.Error("Product search failed", zap.String("query", query), zap.Error(err))
		return "I'm having trouble searching for products right now. Please try again in a moment.", nil
	}
	if len(products) == 0 {
		return fmt.Sprintf("I couldn't find any products matching '%s'. Try different keywords or browse our categories.", query), nil
	}
	return h.formatResults(products, query), nil
}

func (h *ProductQuery) formatResults(products []ecommerce.Product, query string) string {
	if len(products) == 1 {
		p := products[0]
		desc := p.Description
		if desc == "" {
			desc = "No description available"
		}
		return fmt.Sprintf("I found this product for you:\n\n🔹 **%s**\n💰 %s\n📝 %s",
			p.Name, formatPrice(p.Price, p.Currency), truncateRunes(desc, 100))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I found %d products matching '%s':\n\n", len(products), query)

	shown := products
	if len(shown) > h.maxShow {
		shown = shown[:h.maxShow]
	}
	for i, p := range shown {
		availability := "✅ In Stock"
		if !p.InStock {
			availability = "❌ Out of Stock"
		}
		fmt.Fprintf(&b, "%d. **%s** - %s (%s)\n", i+1, p.Name, formatPrice(p.Price, p.Currency), availability)
	}

	if rest := len(products) - h.maxShow; rest > 0 {
		fmt.Fprintf(&b, "\n... and %d more. Ask me about any specific product for more details!", rest)
	} else {
		b.WriteString("\nWould you like more details about any of these products?")
	}
	return b.String()
}

// ProductDetails answers follow-up questions about one product.
type ProductDetails struct {
	api    ProductAPI
	logger *zap.Logger
}

func NewProductDetails(api ProductAPI, logger *zap.Logger) *ProductDetails {
	return &ProductDetails{api: api, logger: logger}
}

func (h *ProductDetails) Handle(ctx context.Context, _ string, hctx *Context) (string, error) {
	var name string
	if hctx.Intent != nil {
		name = strings.TrimSpace(hctx.Intent.Entities["product_name"])
	}
	if name == "" {
		return "Which product would you like to know more about? Please mention the product name.", nil
	}

	products, err := h.api.SearchProducts(ctx, name, nil)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return "", err
		}
		h.logger.Error("Product details fetch failed", zap.String("product", name), zap.Error(err))
		return fmt.Sprintf("I'm having trouble getting details for '%s' right now. Please try again later.", name), nil
	}
	if len(products) == 0 {
		return fmt.Sprintf("I couldn't find detailed information for '%s'. Could you check the product name?", name), nil
	}

	product := products[0]
	// The search result can be thin; the detail endpoint has the full record.
	if full, err := h.api.GetProduct(ctx, product.ID); err == nil {
		product = *full
	}
	return formatProductDetails(product), nil
}

func formatProductDetails(p ecommerce.Product) string {
	details := []string{
		fmt.Sprintf("📦 **%s**", p.Name),
		fmt.Sprintf("💰 **Price:** %s", formatPrice(p.Price, p.Currency)),
	}
	if p.Description != "" {
		details = append(details, fmt.Sprintf("📝 **Description:** %s", p.Description))
	}
	status := "✅ Available"
	if !p.InStock {
		status = "❌ Out of Stock"
	}
	details = append(details, fmt.Sprintf("📊 **Availability:** %s", status))
	if p.Category != "" {
		details = append(details, fmt.Sprintf("🏷️ **Category:** %s", p.Category))
	}
	return strings.Join(details, "\n") + "\n\nWould you like to know anything else about this product?"
}

// extractKeywords prefers the extracted product_name entity and falls back
// to the message words minus stopwords.
func extractKeywords(message string, hctx *Context) []string {
	if hctx != nil && hctx.Intent != nil {
		if name := strings.TrimSpace(hctx.Intent.Entities["product_name"]); name != "" {
			return strings.Fields(name)
		}
	}

	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(message)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if word == "" || stopwords[word] {
			continue
		}
		keywords = append(keywords, word)
	}
	return keywords
}

var currencySymbols = map[string]string{
	"INR": "₹",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

func formatPrice(price float64, currency string) string {
	if sym, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		return fmt.Sprintf("%s%.2f", sym, price)
	}
	if currency == "" {
		return fmt.Sprintf("%.2f", price)
	}
	return fmt.Sprintf("%.2f %s", price, currency)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
