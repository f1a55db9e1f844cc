package saga

import "time"

// State is one of the saga's persisted states. Only states that are ever
// written to the store appear here — the "_RESERVED"/"_PROCESSED"/"_CREATED"
// points in the logical flow are resolved inside a single handler and never
// observed as a stored state.
type State string

const (
	StateInitiated                  State = "INITIATED"
	StateInventoryReservationPending State = "INVENTORY_RESERVATION_PENDING"
	StatePaymentProcessingPending    State = "PAYMENT_PROCESSING_PENDING"
	StateOrderCreationPending        State = "ORDER_CREATION_PENDING"
	StateCartClearancePending        State = "CART_CLEARANCE_PENDING"
	StateCompensating                State = "COMPENSATING"
	StateCompleted                   State = "COMPLETED"
	StateFailed                      State = "FAILED"
)

// Terminal reports whether no further event may mutate a record in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrorEntry is one append-only entry in Context.Errors.
type ErrorEntry struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// CartItem is one line item of a cart as carried through the saga.
type CartItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// CartDetails is the cart snapshot taken at CheckoutInitiated.
type CartDetails struct {
	Items           []CartItem `json:"items"`
	TotalPriceCents int64      `json:"total_price_cents"`
}

// Context is the structured document of derived data gathered through the
// saga's lifetime (§3). It is a fixed set of named fields, not a free map,
// per the "dynamic typed message payloads" design note.
type Context struct {
	CartDetails                 *CartDetails           `json:"cart_details,omitempty"`
	InventoryReservationDetails map[string]interface{} `json:"inventory_reservation_details,omitempty"`
	DiscountCents               int64                  `json:"discount_cents,omitempty"`
	TaxCents                    int64                  `json:"tax_cents,omitempty"`
	FinalAmountCents            int64                  `json:"final_amount_cents,omitempty"`
	PaymentDetails              map[string]interface{} `json:"payment_details,omitempty"`
	OrderDetails                map[string]interface{} `json:"order_details,omitempty"`
	CurrentStep                 string                 `json:"current_step,omitempty"`
	Errors                      []ErrorEntry            `json:"errors,omitempty"`
	PricingRetryCount           int                    `json:"pricing_retry_count,omitempty"`
	PendingCompensations        []string               `json:"pending_compensations,omitempty"`
}

// clone returns a deep copy so the engine never mutates the caller's record
// in place — Engine.Handle works on a copy, and C6 persists the result only
// on a successful conditional update.
func (c Context) clone() Context {
	out := c
	if c.CartDetails != nil {
		cd := *c.CartDetails
		cd.Items = append([]CartItem(nil), c.CartDetails.Items...)
		out.CartDetails = &cd
	}
	out.InventoryReservationDetails = cloneMap(c.InventoryReservationDetails)
	out.PaymentDetails = cloneMap(c.PaymentDetails)
	out.OrderDetails = cloneMap(c.OrderDetails)
	out.Errors = append([]ErrorEntry(nil), c.Errors...)
	out.PendingCompensations = append([]string(nil), c.PendingCompensations...)
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Context) hasPendingCompensation(name string) bool {
	for _, p := range c.PendingCompensations {
		if p == name {
			return true
		}
	}
	return false
}

func (c *Context) removePendingCompensation(name string) {
	out := c.PendingCompensations[:0]
	for _, p := range c.PendingCompensations {
		if p != name {
			out = append(out, p)
		}
	}
	c.PendingCompensations = out
}

// Record is the Go expression of the saga record (§3). SagaID is a version-4
// UUID, immutable after creation (invariant 1).
type Record struct {
	SagaID            string    `json:"saga_id"`
	UserID            string    `json:"user_id"`
	CartID            string    `json:"cart_id"`
	State             State     `json:"state"`
	Context           Context   `json:"context"`
	ProcessedEventIDs []string  `json:"processed_event_ids"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// Version is the store's conditional-update fence (§4.1, §9). It is
	// never part of the serialized context document; the store carries it
	// as its own column.
	Version int64 `json:"-"`
}

// NewRecord builds the INITIATED record C7 persists before publishing
// CheckoutInitiated.
func NewRecord(sagaID, userID, cartID string, now time.Time) *Record {
	return &Record{
		SagaID:            sagaID,
		UserID:            userID,
		CartID:            cartID,
		State:             StateInitiated,
		ProcessedEventIDs: []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// HasProcessed reports whether eventID is already in the dedupe log.
func (r *Record) HasProcessed(eventID string) bool {
	for _, id := range r.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// clone returns a deep copy of the record for the engine to mutate freely.
func (r *Record) clone() *Record {
	out := *r
	out.Context = r.Context.clone()
	out.ProcessedEventIDs = append([]string(nil), r.ProcessedEventIDs...)
	return &out
}
