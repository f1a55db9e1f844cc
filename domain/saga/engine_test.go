package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePricing struct {
	discount    int64
	tax         int64
	discountErr error
	taxErr      error
	calls       int
}

func (f *fakePricing) CalculateDiscount(ctx context.Context, cartID, userID string, items []CartItem) (int64, error) {
	f.calls++
	return f.discount, f.discountErr
}

func (f *fakePricing) CalculateTax(ctx context.Context, cartID string, items []CartItem) (int64, error) {
	return f.tax, f.taxErr
}

func sequentialID() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
	}
}

const validProduct = "11111111-1111-4111-8111-111111111111"

func newRec(state State) *Record {
	rec := NewRecord("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", "cccccccc-cccc-4ccc-8ccc-cccccccccccc", time.Now())
	rec.State = state
	return rec
}

// S1: happy path through to COMPLETED.
func TestEngine_HappyPath(t *testing.T) {
	pricing := &fakePricing{discount: 100, tax: 50}
	engine := NewEngine(pricing, sequentialID(), Config{})

	rec := newRec(StateInitiated)
	initiated := Envelope{
		Type:   EventCheckoutInitiated,
		SagaID: rec.SagaID,
		CartDetails: &CartDetails{
			Items:           []CartItem{{ProductID: validProduct, Quantity: 2, UnitPriceCents: 500}},
			TotalPriceCents: 1000,
		},
	}
	out, err := engine.Handle(context.Background(), rec, initiated)
	require.NoError(t, err)
	assert.Equal(t, StateInventoryReservationPending, out.Record.State)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, CommandReserveInventory, out.Commands[0].Type)
	rec = out.Record

	reserved := Envelope{Type: EventInventoryReserved, SagaID: rec.SagaID}
	out, err = engine.Handle(context.Background(), rec, reserved)
	require.NoError(t, err)
	assert.Equal(t, StatePaymentProcessingPending, out.Record.State)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, CommandProcessPayment, out.Commands[0].Type)
	assert.Equal(t, int64(1000+50-100), out.Record.Context.FinalAmountCents)
	rec = out.Record

	processed := Envelope{Type: EventPaymentProcessed, SagaID: rec.SagaID}
	out, err = engine.Handle(context.Background(), rec, processed)
	require.NoError(t, err)
	assert.Equal(t, StateOrderCreationPending, out.Record.State)
	rec = out.Record

	created := Envelope{Type: EventOrderCreated, SagaID: rec.SagaID}
	out, err = engine.Handle(context.Background(), rec, created)
	require.NoError(t, err)
	assert.Equal(t, StateCartClearancePending, out.Record.State)
	rec = out.Record

	cleared := Envelope{Type: EventCartCleared, SagaID: rec.SagaID}
	out, err = engine.Handle(context.Background(), rec, cleared)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.Record.State)
	assert.Empty(t, out.Commands)
}

// S2: inventory reservation failure terminates without compensation.
func TestEngine_InventoryReservationFailed(t *testing.T) {
	engine := NewEngine(&fakePricing{}, sequentialID(), Config{})
	rec := newRec(StateInventoryReservationPending)

	out, err := engine.Handle(context.Background(), rec, Envelope{
		Type: EventInventoryReservationFailed, SagaID: rec.SagaID, Reason: "out_of_stock",
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.Record.State)
	assert.Empty(t, out.Commands)
	require.Len(t, out.Record.Context.Errors, 1)
	assert.Equal(t, "out_of_stock", out.Record.Context.Errors[0].Reason)
}

// S3: payment failure compensates inventory, then reaches FAILED once acked.
func TestEngine_PaymentFailedThenCompensated(t *testing.T) {
	engine := NewEngine(&fakePricing{}, sequentialID(), Config{})
	rec := newRec(StatePaymentProcessingPending)

	out, err := engine.Handle(context.Background(), rec, Envelope{
		Type: EventPaymentFailed, SagaID: rec.SagaID, Reason: "card_declined",
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompensating, out.Record.State)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, CommandCompensateInventory, out.Commands[0].Type)
	assert.Equal(t, []string{"inventory"}, out.Record.Context.PendingCompensations)
	rec = out.Record

	out, err = engine.Handle(context.Background(), rec, Envelope{Type: EventInventoryReleased, SagaID: rec.SagaID})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.Record.State)
	assert.Empty(t, out.Record.Context.PendingCompensations)
}

// Order creation failure compensates payment before inventory.
func TestEngine_OrderCreationFailedCompensationOrder(t *testing.T) {
	engine := NewEngine(&fakePricing{}, sequentialID(), Config{})
	rec := newRec(StateOrderCreationPending)
	rec.Context.FinalAmountCents = 900

	out, err := engine.Handle(context.Background(), rec, Envelope{
		Type: EventOrderCreationFailed, SagaID: rec.SagaID, Reason: "inventory_conflict",
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompensating, out.Record.State)
	require.Len(t, out.Commands, 2)
	assert.Equal(t, CommandCompensatePayment, out.Commands[0].Type)
	assert.Equal(t, CommandCompensateInventory, out.Commands[1].Type)
	assert.Equal(t, []string{"payment", "inventory"}, out.Record.Context.PendingCompensations)
}

// Cart clearance failure terminates directly as FAILED with an alert,
// per the redesign flag — no compensation is attempted post-commit.
func TestEngine_CartClearanceFailedNoCompensation(t *testing.T) {
	engine := NewEngine(&fakePricing{}, sequentialID(), Config{})
	rec := newRec(StateCartClearancePending)

	out, err := engine.Handle(context.Background(), rec, Envelope{
		Type: EventCartClearanceFailed, SagaID: rec.SagaID, Reason: "cart_service_down",
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.Record.State)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, EventOperatorAlert, out.Commands[0].Type)
}

// S4: duplicate delivery is idempotent at the record level (HasProcessed),
// exercised the way the runtime would gate before ever calling Handle.
func TestRecord_Idempotency(t *testing.T) {
	rec := newRec(StateInitiated)
	rec.ProcessedEventIDs = append(rec.ProcessedEventIDs, "evt-1")
	assert.True(t, rec.HasProcessed("evt-1"))
	assert.False(t, rec.HasProcessed("evt-2"))
}

// S5: an invalid product id at initiation fails the saga immediately.
func TestEngine_InvalidProductID(t *testing.T) {
	engine := NewEngine(&fakePricing{}, sequentialID(), Config{})
	rec := newRec(StateInitiated)

	out, err := engine.Handle(context.Background(), rec, Envelope{
		Type:   EventCheckoutInitiated,
		SagaID: rec.SagaID,
		CartDetails: &CartDetails{
			Items: []CartItem{{ProductID: "not-a-uuid", Quantity: 1, UnitPriceCents: 100}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.Record.State)
	require.Len(t, out.Record.Context.Errors, 1)
	assert.Contains(t, out.Record.Context.Errors[0].Reason, "invalid_product_id")
}

// S6: a transient pricing RPC flake retries in place without advancing
// state or marking the event processed, until the retry cap is hit.
func TestEngine_PricingRetryThenExhaustion(t *testing.T) {
	pricing := &fakePricing{discountErr: errors.New("timeout")}
	engine := NewEngine(pricing, sequentialID(), Config{MaxPricingRetries: 2})
	rec := newRec(StateInventoryReservationPending)
	rec.Context.CartDetails = &CartDetails{Items: []CartItem{{ProductID: validProduct, Quantity: 1, UnitPriceCents: 100}}, TotalPriceCents: 100}

	ev := Envelope{Type: EventInventoryReserved, SagaID: rec.SagaID}

	out, err := engine.Handle(context.Background(), rec, ev)
	require.NoError(t, err)
	assert.True(t, out.Persist)
	assert.False(t, out.MarkProcessed)
	assert.Equal(t, StateInventoryReservationPending, out.Record.State)
	assert.Equal(t, 1, out.Record.Context.PricingRetryCount)

	out, err = engine.Handle(context.Background(), out.Record, ev)
	require.NoError(t, err)
	assert.True(t, out.MarkProcessed)
	assert.Equal(t, StateCompensating, out.Record.State)
	assert.Equal(t, []string{"inventory"}, out.Record.Context.PendingCompensations)
}

// Accounting invariant: a discount that exceeds total+tax must not produce
// a negative final amount. The saga fails outright rather than charging or
// refunding a negative sum.
func TestEngine_PricingUnderflow(t *testing.T) {
	pricing := &fakePricing{discount: 1000, tax: 10}
	engine := NewEngine(pricing, sequentialID(), Config{})
	rec := newRec(StateInventoryReservationPending)
	rec.Context.CartDetails = &CartDetails{Items: []CartItem{{ProductID: validProduct, Quantity: 1, UnitPriceCents: 100}}, TotalPriceCents: 100}

	out, err := engine.Handle(context.Background(), rec, Envelope{Type: EventInventoryReserved, SagaID: rec.SagaID})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.Record.State)
	assert.Empty(t, out.Commands)
	require.NotEmpty(t, out.Record.Context.Errors)
	assert.Equal(t, "pricing_underflow", out.Record.Context.Errors[len(out.Record.Context.Errors)-1].Reason)
}

// A terminal record drops any further event without persisting.
func TestEngine_TerminalRecordDropsEvents(t *testing.T) {
	engine := NewEngine(&fakePricing{}, sequentialID(), Config{})
	rec := newRec(StateCompleted)

	out, err := engine.Handle(context.Background(), rec, Envelope{Type: EventPaymentFailed, SagaID: rec.SagaID})
	require.NoError(t, err)
	assert.False(t, out.Persist)
	assert.False(t, out.MarkProcessed)
}

// An unknown (state, event) pairing is dropped, not an error.
func TestEngine_UnknownPairingDrops(t *testing.T) {
	engine := NewEngine(&fakePricing{}, sequentialID(), Config{})
	rec := newRec(StateInitiated)

	out, err := engine.Handle(context.Background(), rec, Envelope{Type: EventCartCleared, SagaID: rec.SagaID})
	require.NoError(t, err)
	assert.False(t, out.Persist)
}

// Handle never mutates the caller's record in place.
func TestEngine_DoesNotMutateCallerRecord(t *testing.T) {
	engine := NewEngine(&fakePricing{discount: 10, tax: 5}, sequentialID(), Config{})
	rec := newRec(StateInitiated)

	_, err := engine.Handle(context.Background(), rec, Envelope{
		Type:   EventCheckoutInitiated,
		SagaID: rec.SagaID,
		CartDetails: &CartDetails{
			Items: []CartItem{{ProductID: validProduct, Quantity: 1, UnitPriceCents: 100}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, rec.State)
}
