// Package eventcodec is C2: it decodes opaque bus payloads into
// domain/saga.Envelope, validates the UUID shape of saga_id and the
// presence of each type's required fields, and encodes outbound envelopes
// deterministically. Grounded on the field-extraction idiom of
// infrastructure/eventstore/serializer.go, generalized from event-sourcing
// base fields to the simpler envelope shape of this domain.
package eventcodec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"checkoutsaga/domain/saga"
	pkguuid "checkoutsaga/pkg/uuid"
)

// Decode parses payload into an Envelope and rejects it if saga_id is not a
// valid version-4 UUID or type is unknown, or a required field for that
// type is empty (§4.2).
func Decode(payload []byte) (saga.Envelope, error) {
	var env saga.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return saga.Envelope{}, fmt.Errorf("eventcodec: invalid json: %w", err)
	}

	required, known := saga.RequiredFields[env.Type]
	if !known {
		return saga.Envelope{}, fmt.Errorf("eventcodec: unknown envelope type %q", env.Type)
	}

	if !pkguuid.IsV4(env.SagaID) {
		return saga.Envelope{}, fmt.Errorf("eventcodec: saga_id %q is not a valid uuidv4", env.SagaID)
	}

	for _, field := range required {
		if isEmptyField(env, field) {
			return saga.Envelope{}, fmt.Errorf("eventcodec: %s missing required field %q", env.Type, field)
		}
	}

	return env, nil
}

func isEmptyField(env saga.Envelope, field string) bool {
	switch field {
	case "user_id":
		return env.UserID == ""
	case "cart_id":
		return env.CartID == ""
	case "cart_details":
		return env.CartDetails == nil
	case "items":
		return len(env.Items) == 0
	case "reservation_details":
		return len(env.ReservationDetails) == 0
	case "inventory_reservation_details":
		return len(env.InventoryReservationDetails) == 0
	case "payment_details":
		return len(env.PaymentDetails) == 0
	case "order_details":
		return len(env.OrderDetails) == 0
	case "amount":
		return env.AmountCents == 0
	case "reply_to_topic":
		return env.ReplyToTopic == ""
	case "reason":
		return env.Reason == ""
	default:
		return false
	}
}

// Encode serializes an outbound envelope deterministically, with the keys of
// every JSON object sorted (§4.2). The envelope is marshaled once, decoded
// into a generic map (UseNumber keeps integer amounts exact), and marshaled
// again; encoding/json writes map keys in sorted order (see DESIGN.md).
func Encode(env saga.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
