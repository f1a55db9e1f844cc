package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkoutsaga/domain/saga"
	"checkoutsaga/infrastructure/bus"
	"checkoutsaga/infrastructure/sagastore"
	"checkoutsaga/pkg/logging"
	"checkoutsaga/pkg/metrics"
)

func sequentialID() func() string {
	n := 0
	return func() string {
		n++
		if n == 1 {
			return "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
		}
		return "dddddddd-dddd-4ddd-8ddd-dddddddddddd"
	}
}

func newTestHandler() (*Handler, sagastore.Store, *bus.MockGateway) {
	store := sagastore.NewMemoryStore()
	gateway := bus.NewMockGateway()
	log := logging.New("error")
	return NewHandler(store, gateway, sequentialID(), log, metrics.New()), store, gateway
}

func TestInitiateCheckout_Success(t *testing.T) {
	h, store, gateway := newTestHandler()

	received := make(chan bus.Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gateway.Consume(ctx, []string{saga.TopicCheckoutInitiated}, func(ctx context.Context, d bus.Delivery) error {
		received <- d
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	body, _ := json.Marshal(CheckoutRequest{
		UserID: "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb",
		CartID: "cccccccc-cccc-4ccc-8ccc-cccccccccccc",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.InitiateCheckout(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", resp.CheckoutID)

	rec, err := store.Load(context.Background(), resp.CheckoutID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateInitiated, rec.State)

	select {
	case d := <-received:
		assert.Equal(t, saga.EventCheckoutInitiated, d.Envelope.Type)
	case <-time.After(time.Second):
		t.Fatal("expected CheckoutInitiated to be published")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SagasStarted))
}

func TestInitiateCheckout_RejectsInvalidUUID(t *testing.T) {
	h, _, _ := newTestHandler()

	body, _ := json.Marshal(CheckoutRequest{UserID: "not-a-uuid", CartID: "also-not-a-uuid"})
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.InitiateCheckout(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetCheckoutStatus_NotFound(t *testing.T) {
	h, _, _ := newTestHandler()

	r := chi.NewRouter()
	r.Get("/api/checkout/{checkoutID}", h.GetCheckoutStatus)

	req := httptest.NewRequest(http.MethodGet, "/api/checkout/aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetCheckoutStatus_Found(t *testing.T) {
	h, store, _ := newTestHandler()
	rec := saga.NewRecord("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", "u", "c", time.Now())
	rec.State = saga.StateCompleted
	require.NoError(t, store.Create(context.Background(), rec))

	r := chi.NewRouter()
	r.Get("/api/checkout/{checkoutID}", h.GetCheckoutStatus)

	req := httptest.NewRequest(http.MethodGet, "/api/checkout/"+rec.SagaID, nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp.State)
	assert.Equal(t, "checkout completed", resp.Message)
}

func TestGetCheckoutStatus_RejectsInvalidUUID(t *testing.T) {
	h, _, _ := newTestHandler()

	r := chi.NewRouter()
	r.Get("/api/checkout/{checkoutID}", h.GetCheckoutStatus)

	req := httptest.NewRequest(http.MethodGet, "/api/checkout/not-a-uuid", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
