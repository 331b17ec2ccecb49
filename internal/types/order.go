package types

import (
	"time"

	"github.com/google/uuid"
)

type OrderPriority int

const (
	PriorityNormal OrderPriority = iota
	PriorityHigh
)

func (p OrderPriority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

type OrderItem struct {
	Recipe   string `json:"recipe" binding:"required"`
	Quantity int    `json:"quantity" binding:"gte=0"`
}

type Order struct {
	ID        uuid.UUID     `json:"id"`
	Items     []OrderItem   `json:"items"`
	Status    OrderStatus   `json:"status"`
	Priority  OrderPriority `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Error     string        `json:"error,omitempty"`
}

// StepType is the fixed manufacturing vocabulary recipes may use.
type StepType string

const (
	StepDispenseIngredient StepType = "dispense_ingredient"
	StepHeat               StepType = "heat"
	StepAssemble           StepType = "assemble"
	StepPackage            StepType = "package"
)

type Step struct {
	Type       StepType      `json:"type" yaml:"type"`
	Ingredient string        `json:"ingredient,omitempty" yaml:"ingredient,omitempty"`
	Amount     float64       `json:"amount,omitempty" yaml:"amount,omitempty"`
	Zone       string        `json:"zone,omitempty" yaml:"zone,omitempty"`
	Duration   time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Layers     []string      `json:"layers,omitempty" yaml:"layers,omitempty"`
	Container  string        `json:"container,omitempty" yaml:"container,omitempty"`
}

type Recipe struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step             `json:"steps" yaml:"steps"`
	Ingredients map[string]float64 `json:"ingredients,omitempty" yaml:"ingredients,omitempty"`
}

// Requirements sums what the recipe draws from stock: declared ingredients
// plus every dispense step.
func (r Recipe) Requirements() map[string]float64 {
	req := make(map[string]float64, len(r.Ingredients))
	for name, qty := range r.Ingredients {
		req[name] += qty
	}
	for _, s := range r.Steps {
		if s.Type == StepDispenseIngredient {
			req[s.Ingredient] += s.Amount
		}
	}
	return req
}
