package orders

import (
	"sync"

	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
)

// PriorityFromFlags maps intake flags to a queue priority. Express and VIP
// orders jump the normal queue.
func PriorityFromFlags(express, vip bool) types.OrderPriority {
	if express || vip {
		return types.PriorityHigh
	}
	return types.PriorityNormal
}

// Queue holds pending orders: high priority first, FIFO within a priority.
type Queue struct {
	mu     sync.Mutex
	high   []*types.Order
	normal []*types.Order
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Push(o *types.Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if o.Priority == types.PriorityHigh {
		q.high = append(q.high, o)
		return
	}
	q.normal = append(q.normal, o)
}

func (q *Queue) Pop() (*types.Order, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.high) > 0 {
		o := q.high[0]
		q.high[0] = nil
		q.high = q.high[1:]
		return o, true
	}
	if len(q.normal) > 0 {
		o := q.normal[0]
		q.normal[0] = nil
		q.normal = q.normal[1:]
		return o, true
	}
	return nil, false
}

// PushFront returns an order to the head of its priority lane.
func (q *Queue) PushFront(o *types.Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if o.Priority == types.PriorityHigh {
		q.high = append([]*types.Order{o}, q.high...)
		return
	}
	q.normal = append([]*types.Order{o}, q.normal...)
}

func (q *Queue) Remove(id uuid.UUID) (*types.Order, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, lane := range []*[]*types.Order{&q.high, &q.normal} {
		for i, o := range *lane {
			if o.ID == id {
				*lane = append((*lane)[:i], (*lane)[i+1:]...)
				return o, true
			}
		}
	}
	return nil, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Snapshot returns the queued orders in dequeue order.
func (q *Queue) Snapshot() []types.Order {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Order, 0, len(q.high)+len(q.normal))
	for _, o := range q.high {
		out = append(out, *o)
	}
	for _, o := range q.normal {
		out = append(out, *o)
	}
	return out
}
