package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/convogrid/convogrid/pkg/rpc"
)

// Events emitted by the order executor.
const (
	EventSuccess = "success"
	EventFailed  = "failed"
)

// OrderExecutor places an order via the business backend. The idempotency
// key is derived from (sessionID, runID, stateName), so a retried action
// (within the turn or after a crash replay of the same state) reuses the
// same key and cannot double-place. Completed placements are additionally
// cached in-process by key.
type OrderExecutor struct {
	order rpc.Order

	mu     sync.Mutex
	placed map[string]*rpc.OrderResult
}

// NewOrderExecutor creates the order executor.
func NewOrderExecutor(order rpc.Order) *OrderExecutor {
	return &OrderExecutor{order: order, placed: make(map[string]*rpc.OrderResult)}
}

// Name implements Executor.
func (e *OrderExecutor) Name() string { return "order" }

// NeedsUserInput implements Executor.
func (e *OrderExecutor) NeedsUserInput() bool { return false }

// Execute implements Executor.
func (e *OrderExecutor) Execute(ctx context.Context, config map[string]any, tc *TurnContext) (*Result, error) {
	orderType := cfgString(config, "type")
	if orderType == "" {
		return nil, rpc.NewError(rpc.KindInternal, "order: type is required")
	}

	key := IdempotencyKey(tc.SessionID, tc.RunID, tc.State)

	e.mu.Lock()
	cached := e.placed[key]
	e.mu.Unlock()
	if cached != nil {
		return orderOutput(cached, key), nil
	}

	payload := map[string]any{
		"type":      orderType,
		"addresses": cfgMap(config, "addresses"),
		"payment":   cfgString(config, "payment"),
		"pricing":   cfgMap(config, "pricing"),
		"user_id":   cfgString(config, "user_id"),
		"token":     cfgString(config, "token"),
	}
	if items := cfgSlice(config, "items"); items != nil {
		payload["items"] = items
	}

	res, err := e.order.Place(ctx, payload, key)
	if err != nil {
		if rpc.KindOf(err) == rpc.KindUpstream {
			// Business rejection: surface as the failed branch, not a retry.
			return &Result{
				Output: map[string]any{"status": "failed", "error": err.Error()},
				Events: []string{EventFailed},
			}, nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.placed[key] = res
	e.mu.Unlock()

	return orderOutput(res, key), nil
}

func orderOutput(res *rpc.OrderResult, key string) *Result {
	return &Result{
		Output: map[string]any{
			"order_id":        res.OrderID,
			"status":          res.Status,
			"idempotency_key": key,
		},
		Events: []string{EventSuccess},
	}
}

// IdempotencyKey derives the order idempotency key for one state of one run.
func IdempotencyKey(sessionID, runID, state string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", sessionID, runID, state)))
	return hex.EncodeToString(sum[:16])
}
