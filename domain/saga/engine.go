package saga

import (
	"context"
	"fmt"

	pkguuid "checkoutsaga/pkg/uuid"
)

// PricingClient is C4 as seen by the engine: two synchronous RPCs invoked
// inline while handling InventoryReserved (§4.4, §4.5 "Pricing sub-step").
// infrastructure/pricing implements this.
type PricingClient interface {
	CalculateDiscount(ctx context.Context, cartID, userID string, items []CartItem) (int64, error)
	CalculateTax(ctx context.Context, cartID string, items []CartItem) (int64, error)
}

// IDGenerator produces a fresh UUIDv4 string for outbound event_id fields
// (§3 invariant 7). Injected so tests can supply deterministic ids.
type IDGenerator func() string

// Config bounds the engine's own retry/compensation policy knobs (§4.5,
// §4.6). Stage timeouts live in the reaper, not here.
type Config struct {
	MaxPricingRetries int
}

// Outcome is what a transition handler decides: the mutated record, the
// commands to publish (in emission order), and whether/how the runtime
// should persist the result.
type Outcome struct {
	Record *Record

	// Commands to publish, in order. Empty for drops and for terminal
	// events with no side effect (CartCleared).
	Commands []Envelope

	// Persist tells the runtime whether to call sagastore.Update at all.
	// False for the "unknown pairing" drop (§4.5 edge policy): the saga is
	// not modified, so there is nothing to persist.
	Persist bool

	// MarkProcessed tells the runtime whether EventID belongs in
	// ProcessedEventIDs. It is false for every outcome with Persist false,
	// and among persisted outcomes only for the pricing-retry path, where the
	// event must remain un-processed so redelivery retries it (§4.5).
	MarkProcessed bool
}

// Engine is C5: the saga state machine. It never touches the store or the
// bus directly — it returns a decision for C6 to execute.
type Engine struct {
	pricing   PricingClient
	newID     IDGenerator
	cfg       Config
}

func NewEngine(pricing PricingClient, newID IDGenerator, cfg Config) *Engine {
	if cfg.MaxPricingRetries <= 0 {
		cfg.MaxPricingRetries = 3
	}
	return &Engine{pricing: pricing, newID: newID, cfg: cfg}
}

type handlerFunc func(e *Engine, ctx context.Context, rec *Record, ev Envelope) (*Outcome, error)

// transitions maps (state, event type) to its handler, generalizing the
// event-to-transition table of §4.5 into map dispatch.
var transitions = map[State]map[string]handlerFunc{
	StateInitiated: {
		EventCheckoutInitiated: (*Engine).handleCheckoutInitiated,
	},
	StateInventoryReservationPending: {
		EventInventoryReserved:          (*Engine).handleInventoryReserved,
		EventInventoryReservationFailed: (*Engine).handleInventoryReservationFailed,
	},
	StatePaymentProcessingPending: {
		EventPaymentProcessed: (*Engine).handlePaymentProcessed,
		EventPaymentFailed:    (*Engine).handlePaymentFailed,
	},
	StateOrderCreationPending: {
		EventOrderCreated:        (*Engine).handleOrderCreated,
		EventOrderCreationFailed: (*Engine).handleOrderCreationFailed,
	},
	StateCartClearancePending: {
		EventCartCleared:         (*Engine).handleCartCleared,
		EventCartClearanceFailed: (*Engine).handleCartClearanceFailed,
	},
	StateCompensating: {
		EventInventoryReleased:    (*Engine).handleInventoryReleased,
		EventPaymentRefunded:      (*Engine).handlePaymentRefunded,
		EventCompensationTimedOut: (*Engine).handleCompensationTimedOut,
	},
}

// Handle computes the transition for rec in response to ev, on a private
// copy of rec (the caller's record is never mutated). Terminal records and
// unknown (state, event) pairings both resolve to a no-op drop.
func (e *Engine) Handle(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	if rec.State.Terminal() {
		return &Outcome{Record: rec, Persist: false, MarkProcessed: false}, nil
	}

	byEvent, ok := transitions[rec.State]
	if !ok {
		return &Outcome{Record: rec, Persist: false, MarkProcessed: false}, nil
	}
	handler, ok := byEvent[ev.Type]
	if !ok {
		return &Outcome{Record: rec, Persist: false, MarkProcessed: false}, nil
	}

	work := rec.clone()
	return handler(e, ctx, work, ev)
}

func (e *Engine) handleCheckoutInitiated(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	items := ev.Items
	if ev.CartDetails != nil {
		items = ev.CartDetails.Items
	}
	if invalid, ok := firstInvalidProductID(items); !ok {
		rec.State = StateFailed
		rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "validation", Reason: "invalid_product_id:" + invalid})
		return &Outcome{Record: rec, Persist: true, MarkProcessed: true}, nil
	}

	rec.Context.CartDetails = ev.CartDetails
	rec.State = StateInventoryReservationPending
	rec.Context.CurrentStep = "inventory_reservation"

	cmd := Envelope{
		Type:         CommandReserveInventory,
		SagaID:       rec.SagaID,
		EventID:      e.newID(),
		UserID:       rec.UserID,
		CartID:       rec.CartID,
		Items:        items,
		ReplyToTopic: TopicCheckoutEvents,
	}
	return &Outcome{Record: rec, Commands: []Envelope{cmd}, Persist: true, MarkProcessed: true}, nil
}

// firstInvalidProductID reports the first product_id that is not a valid
// UUIDv4, or ok=true if every item passes (§4.5 "Validation at initiation").
func firstInvalidProductID(items []CartItem) (string, bool) {
	for _, item := range items {
		if !pkguuid.IsV4(item.ProductID) {
			return item.ProductID, false
		}
	}
	return "", true
}

func (e *Engine) handleInventoryReserved(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.Context.InventoryReservationDetails = ev.ReservationDetails

	var items []CartItem
	var total int64
	if rec.Context.CartDetails != nil {
		items = rec.Context.CartDetails.Items
		total = rec.Context.CartDetails.TotalPriceCents
	}

	discount, discErr := e.pricing.CalculateDiscount(ctx, rec.CartID, rec.UserID, items)
	var tax int64
	var taxErr error
	if discErr == nil {
		tax, taxErr = e.pricing.CalculateTax(ctx, rec.CartID, items)
	}

	if discErr != nil || taxErr != nil {
		rec.Context.PricingRetryCount++
		if rec.Context.PricingRetryCount >= e.cfg.MaxPricingRetries {
			rec.State = StateCompensating
			rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "pricing", Reason: "pricing_exhausted"})
			rec.Context.PendingCompensations = []string{"inventory"}
			cmd := Envelope{
				Type:         CommandCompensateInventory,
				SagaID:       rec.SagaID,
				EventID:      e.newID(),
				UserID:       rec.UserID,
				CartID:       rec.CartID,
				Items:        items,
				ReplyToTopic: TopicCheckoutEvents,
			}
			return &Outcome{Record: rec, Commands: []Envelope{cmd}, Persist: true, MarkProcessed: true}, nil
		}
		// State is not advanced and the event is not marked processed, so
		// redelivery retries the pricing calls; only the retry count
		// persists (§4.5 "Pricing sub-step").
		return &Outcome{Record: rec, Persist: true, MarkProcessed: false}, nil
	}

	rec.Context.DiscountCents = discount
	rec.Context.TaxCents = tax
	final := total + tax - discount
	if final < 0 {
		rec.State = StateFailed
		rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "pricing", Reason: "pricing_underflow"})
		return &Outcome{Record: rec, Persist: true, MarkProcessed: true}, nil
	}
	rec.Context.FinalAmountCents = final
	rec.State = StatePaymentProcessingPending
	rec.Context.CurrentStep = "payment_processing"

	cmd := Envelope{
		Type:        CommandProcessPayment,
		SagaID:      rec.SagaID,
		EventID:     e.newID(),
		UserID:      rec.UserID,
		AmountCents: final,
	}
	return &Outcome{Record: rec, Commands: []Envelope{cmd}, Persist: true, MarkProcessed: true}, nil
}

func (e *Engine) handleInventoryReservationFailed(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.State = StateFailed
	rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "inventory", Reason: ev.Reason})
	return &Outcome{Record: rec, Persist: true, MarkProcessed: true}, nil
}

func (e *Engine) handlePaymentProcessed(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.Context.PaymentDetails = ev.PaymentDetails
	rec.State = StateOrderCreationPending
	rec.Context.CurrentStep = "order_creation"

	cmd := Envelope{
		Type:                        CommandCreateOrder,
		SagaID:                      rec.SagaID,
		EventID:                     e.newID(),
		UserID:                      rec.UserID,
		CartDetails:                 rec.Context.CartDetails,
		PaymentDetails:              rec.Context.PaymentDetails,
		InventoryReservationDetails: rec.Context.InventoryReservationDetails,
	}
	return &Outcome{Record: rec, Commands: []Envelope{cmd}, Persist: true, MarkProcessed: true}, nil
}

func (e *Engine) handlePaymentFailed(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.State = StateCompensating
	rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "payment", Reason: ev.Reason})
	rec.Context.PendingCompensations = []string{"inventory"}

	var items []CartItem
	if rec.Context.CartDetails != nil {
		items = rec.Context.CartDetails.Items
	}
	cmd := Envelope{
		Type:         CommandCompensateInventory,
		SagaID:       rec.SagaID,
		EventID:      e.newID(),
		UserID:       rec.UserID,
		CartID:       rec.CartID,
		Items:        items,
		ReplyToTopic: TopicCheckoutEvents,
	}
	return &Outcome{Record: rec, Commands: []Envelope{cmd}, Persist: true, MarkProcessed: true}, nil
}

func (e *Engine) handleOrderCreated(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.Context.OrderDetails = ev.OrderDetails
	rec.State = StateCartClearancePending
	rec.Context.CurrentStep = "cart_clearance"

	cmd := Envelope{
		Type:    CommandClearCart,
		SagaID:  rec.SagaID,
		EventID: e.newID(),
		UserID:  rec.UserID,
		CartID:  rec.CartID,
	}
	return &Outcome{Record: rec, Commands: []Envelope{cmd}, Persist: true, MarkProcessed: true}, nil
}

// handleOrderCreationFailed emits compensations in the reverse of forward
// dependency order — payment before inventory (§4.5 "Compensation ordering").
func (e *Engine) handleOrderCreationFailed(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.State = StateCompensating
	rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "order", Reason: ev.Reason})
	rec.Context.PendingCompensations = []string{"payment", "inventory"}

	var items []CartItem
	if rec.Context.CartDetails != nil {
		items = rec.Context.CartDetails.Items
	}
	payCmd := Envelope{
		Type:        CommandCompensatePayment,
		SagaID:      rec.SagaID,
		EventID:     e.newID(),
		UserID:      rec.UserID,
		AmountCents: rec.Context.FinalAmountCents,
	}
	invCmd := Envelope{
		Type:         CommandCompensateInventory,
		SagaID:       rec.SagaID,
		EventID:      e.newID(),
		UserID:       rec.UserID,
		CartID:       rec.CartID,
		Items:        items,
		ReplyToTopic: TopicCheckoutEvents,
	}
	return &Outcome{Record: rec, Commands: []Envelope{payCmd, invCmd}, Persist: true, MarkProcessed: true}, nil
}

func (e *Engine) handleCartCleared(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.State = StateCompleted
	rec.Context.CurrentStep = "completed"
	return &Outcome{Record: rec, Persist: true, MarkProcessed: true}, nil
}

// handleCartClearanceFailed implements the redesign flag of §9 (DESIGN.md,
// Open Question decision 3):
// a cart-clearance failure is non-retryable post-commit — it terminates the
// saga with an alert rather than unwinding the already-created order.
func (e *Engine) handleCartClearanceFailed(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.State = StateFailed
	rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "cart_clearance", Reason: ev.Reason})

	alert := Envelope{
		Type:    EventOperatorAlert,
		SagaID:  rec.SagaID,
		EventID: e.newID(),
		Reason:  fmt.Sprintf("cart clearance failed post-commit: %s", ev.Reason),
	}
	return &Outcome{Record: rec, Commands: []Envelope{alert}, Persist: true, MarkProcessed: true}, nil
}

func (e *Engine) handleInventoryReleased(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	return e.clearCompensation(rec, "inventory")
}

func (e *Engine) handlePaymentRefunded(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	return e.clearCompensation(rec, "payment")
}

func (e *Engine) clearCompensation(rec *Record, name string) (*Outcome, error) {
	if !rec.Context.hasPendingCompensation(name) {
		// Already cleared by an earlier delivery; nothing new to persist.
		return &Outcome{Record: rec, Persist: false, MarkProcessed: false}, nil
	}
	rec.Context.removePendingCompensation(name)
	if len(rec.Context.PendingCompensations) == 0 {
		rec.State = StateFailed
	}
	return &Outcome{Record: rec, Persist: true, MarkProcessed: true}, nil
}

// handleCompensationTimedOut is the reaper's forcing event (§4.5
// "Compensation ordering", SPEC_FULL §21): if the outstanding compensation
// acks never arrive within the configured deadline, the saga is forced to
// FAILED and an alert is raised.
func (e *Engine) handleCompensationTimedOut(ctx context.Context, rec *Record, ev Envelope) (*Outcome, error) {
	rec.State = StateFailed
	rec.Context.PendingCompensations = nil
	rec.Context.Errors = append(rec.Context.Errors, ErrorEntry{Step: "compensation", Reason: "compensation_timed_out"})

	alert := Envelope{
		Type:    EventOperatorAlert,
		SagaID:  rec.SagaID,
		EventID: e.newID(),
		Reason:  "compensation acknowledgment timed out",
	}
	return &Outcome{Record: rec, Commands: []Envelope{alert}, Persist: true, MarkProcessed: true}, nil
}
