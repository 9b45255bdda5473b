package messaging

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	event, err := NewEvent(eventType, "test", "corr-1", data)
	require.NoError(t, err)
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("handled event is acked and sees correlation id", func(t *testing.T) {
		c := NewDispatcher(logger.Nop())
		var seen string
		c.RegisterHandler(EventOrderSubmitted, func(ctx context.Context, e *Event) error {
			seen = CorrelationID(ctx)
			return nil
		})

		assert.Equal(t, OutcomeAck, c.Dispatch(ctx, encode(t, EventOrderSubmitted, map[string]string{"id": "o1"}), 0))
		assert.Equal(t, "corr-1", seen)
	})

	t.Run("unknown type is acked", func(t *testing.T) {
		c := NewDispatcher(logger.Nop())
		assert.Equal(t, OutcomeAck, c.Dispatch(ctx, encode(t, "something.else", nil), 0))
	})

	t.Run("malformed body is dead-lettered", func(t *testing.T) {
		c := NewDispatcher(logger.Nop())
		assert.Equal(t, OutcomeDeadLetter, c.Dispatch(ctx, []byte("{not json"), 0))
	})

	t.Run("business failure is dead-lettered", func(t *testing.T) {
		c := NewDispatcher(logger.Nop())
		c.RegisterHandler(EventOrderSubmitted, func(context.Context, *Event) error {
			return errors.Validation(map[string]string{"items": "required"})
		})
		assert.Equal(t, OutcomeDeadLetter, c.Dispatch(ctx, encode(t, EventOrderSubmitted, nil), 0))
	})

	t.Run("conflict is requeued", func(t *testing.T) {
		c := NewDispatcher(logger.Nop())
		c.RegisterHandler(EventOrderSubmitted, func(context.Context, *Event) error {
			return errors.Conflict("locked")
		})
		assert.Equal(t, OutcomeRequeue, c.Dispatch(ctx, encode(t, EventOrderSubmitted, nil), 1))
	})

	t.Run("infrastructure failure gives up after max deliveries", func(t *testing.T) {
		c := NewDispatcher(logger.Nop())
		c.RegisterHandler(EventOrderSubmitted, func(context.Context, *Event) error {
			return stderrors.New("db down")
		})
		body := encode(t, EventOrderSubmitted, nil)
		assert.Equal(t, OutcomeRequeue, c.Dispatch(ctx, body, 0))
		assert.Equal(t, OutcomeDeadLetter, c.Dispatch(ctx, body, maxDeliveries))
	})
}

func TestNewEvent(t *testing.T) {
	e, err := NewEvent(EventAllocationProposed, "fulfillment-service", "c", map[string]int{"n": 2})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventAllocationProposed, e.Type)

	var out map[string]int
	require.NoError(t, e.UnmarshalData(&out))
	assert.Equal(t, 2, out["n"])
}
