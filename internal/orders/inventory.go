package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

type InsufficientStockError struct {
	Ingredient string
	Needed     float64
	Available  float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: need %.2f, have %.2f", e.Ingredient, e.Needed, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type StockLevel struct {
	Ingredient string  `json:"ingredient"`
	Available  float64 `json:"available"`
	Reserved   float64 `json:"reserved"`
	Threshold  float64 `json:"threshold"`
}

// Inventory tracks ingredient stock. Reserve takes stock out of the available
// pool; Release puts it back, Commit makes it permanent.
type Inventory struct {
	logger *zap.Logger
	bus    Publisher

	mu         sync.Mutex
	available  map[string]float64
	thresholds map[string]float64
	reserved   map[uuid.UUID]map[string]float64
}

func NewInventory(logger *zap.Logger, bus Publisher, stock, thresholds map[string]float64) *Inventory {
	inv := &Inventory{
		logger:     logger.Named("inventory"),
		bus:        bus,
		available:  make(map[string]float64, len(stock)),
		thresholds: make(map[string]float64, len(thresholds)),
		reserved:   make(map[uuid.UUID]map[string]float64),
	}
	for k, v := range stock {
		inv.available[k] = v
	}
	for k, v := range thresholds {
		inv.thresholds[k] = v
	}
	return inv
}

// Reserve sets aside every requirement for order, or nothing at all.
func (inv *Inventory) Reserve(ctx context.Context, order uuid.UUID, req map[string]float64) error {
	inv.mu.Lock()
	if _, exists := inv.reserved[order]; exists {
		inv.mu.Unlock()
		return fmt.Errorf("order %s already holds a reservation", order)
	}

	names := make([]string, 0, len(req))
	for name := range req {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if have := inv.available[name]; have < req[name] {
			inv.mu.Unlock()
			return &InsufficientStockError{Ingredient: name, Needed: req[name], Available: have}
		}
	}

	held := make(map[string]float64, len(req))
	var low []events.InventoryLow
	for _, name := range names {
		before := inv.available[name]
		inv.available[name] = before - req[name]
		held[name] = req[name]
		if th, ok := inv.thresholds[name]; ok && before > th && inv.available[name] <= th {
			low = append(low, events.InventoryLow{Ingredient: name, Remaining: inv.available[name], Threshold: th})
		}
	}
	inv.reserved[order] = held
	inv.mu.Unlock()

	for _, l := range low {
		inv.logger.Warn("Ingredient running low",
			zap.String("ingredient", l.Ingredient),
			zap.Float64("remaining", l.Remaining))
		if inv.bus != nil {
			if err := inv.bus.Publish(ctx, events.New(events.KindInventoryLow, "inventory", l)); err != nil {
				inv.logger.Warn("Publish failed", zap.Error(err))
			}
		}
	}
	return nil
}

// Commit consumes the reservation of a completed order.
func (inv *Inventory) Commit(order uuid.UUID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.reserved, order)
}

// Release returns a failed or cancelled order's reservation to stock.
func (inv *Inventory) Release(order uuid.UUID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	held, ok := inv.reserved[order]
	if !ok {
		return
	}
	for name, qty := range held {
		inv.available[name] += qty
	}
	delete(inv.reserved, order)
}

func (inv *Inventory) Restock(ingredient string, qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("restock %s: %w", ingredient, ErrInvalidQuantity)
	}
	inv.mu.Lock()
	inv.available[ingredient] += qty
	total := inv.available[ingredient]
	inv.mu.Unlock()

	inv.logger.Info("Ingredient restocked",
		zap.String("ingredient", ingredient),
		zap.Float64("added", qty),
		zap.Float64("available", total))
	return nil
}

func (inv *Inventory) Levels() []StockLevel {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	reserved := make(map[string]float64)
	for _, held := range inv.reserved {
		for name, qty := range held {
			reserved[name] += qty
		}
	}

	out := make([]StockLevel, 0, len(inv.available))
	for name, qty := range inv.available {
		out = append(out, StockLevel{
			Ingredient: name,
			Available:  qty,
			Reserved:   reserved[name],
			Threshold:  inv.thresholds[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ingredient < out[j].Ingredient })
	return out
}
