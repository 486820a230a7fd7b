package stratum

import (
	"context"
	"fmt"

	"github.com/stratumhq/stratum/backends/memory"
)

// Shared order fixture used across the package tests.

type OrderPlaced struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

type ItemAdded struct {
	OrderID  string  `json:"orderId"`
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type OrderShipped struct {
	OrderID string `json:"orderId"`
}

type OrderState struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	ItemCount  int     `json:"itemCount"`
	Total      float64 `json:"total"`
	Shipped    bool    `json:"shipped"`
}

func orderDefinition() *AggregateDefinition {
	return NewDefinition("Order", func() interface{} { return OrderState{} }).
		On("OrderPlaced", func(state interface{}, ev Event) (interface{}, error) {
			s := state.(OrderState)
			data := ev.Data.(OrderPlaced)
			s.OrderID = data.OrderID
			s.CustomerID = data.CustomerID
			return s, nil
		}).
		On("ItemAdded", func(state interface{}, ev Event) (interface{}, error) {
			s := state.(OrderState)
			data := ev.Data.(ItemAdded)
			s.ItemCount += data.Quantity
			s.Total += data.Price * float64(data.Quantity)
			return s, nil
		}).
		On("OrderShipped", func(state interface{}, ev Event) (interface{}, error) {
			s := state.(OrderState)
			s.Shipped = true
			return s, nil
		})
}

func newTestStore() *EventStore {
	store := New(memory.New())
	store.RegisterEvents(OrderPlaced{}, ItemAdded{}, OrderShipped{})
	return store
}

// placeOrderCmd creates orders; addItemCmd mutates them.

type placeOrderCmd struct {
	CustomerID string
}

func (c placeOrderCmd) CommandType() string { return "PlaceOrder" }
func (c placeOrderCmd) AggregateID() string { return "" }

type addItemCmd struct {
	OrderID  string
	SKU      string
	Quantity int
	Price    float64

	expectedVersion *int64
}

func (c addItemCmd) CommandType() string { return "AddItem" }
func (c addItemCmd) AggregateID() string { return c.OrderID }

func (c addItemCmd) ExpectedVersion() (int64, bool) {
	if c.expectedVersion == nil {
		return 0, false
	}
	return *c.expectedVersion, true
}

func (c addItemCmd) Validate() error {
	if c.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	return nil
}

func placeOrderDecider(ctx context.Context, state interface{}, cmd Command) ([]interface{}, error) {
	c := cmd.(placeOrderCmd)
	return []interface{}{OrderPlaced{CustomerID: c.CustomerID}}, nil
}

func addItemDecider(ctx context.Context, state interface{}, cmd Command) ([]interface{}, error) {
	s := state.(OrderState)
	c := cmd.(addItemCmd)
	if s.Shipped {
		return nil, NewDomainRuleError("no-items-after-shipping", "cannot add items to a shipped order")
	}
	return []interface{}{ItemAdded{OrderID: c.OrderID, SKU: c.SKU, Quantity: c.Quantity, Price: c.Price}}, nil
}
