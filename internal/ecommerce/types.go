package ecommerce

import "time"

// Product is a catalog entry as returned by the e-commerce API.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	InStock     bool    `json:"in_stock"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Order is the order-status payload.
type Order struct {
	OrderID   string      `json:"order_id"`
	Status    string      `json:"status"`
	Items     []OrderItem `json:"items"`
	Total     float64     `json:"total"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Config configures the e-commerce client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}
