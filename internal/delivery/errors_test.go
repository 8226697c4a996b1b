package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"messenger/internal/models"
	"messenger/internal/repositories"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		code models.ErrorCode
	}{
		{repositories.ErrNotParticipant, models.CodeForbidden},
		{fmt.Errorf("wrap: %w", repositories.ErrNotSender), models.CodeForbidden},
		{repositories.ErrConversationNotFound, models.CodeNotFound},
		{repositories.ErrMessageNotFound, models.CodeNotFound},
		{repositories.ErrMessageDeleted, models.CodeValidation},
		{&models.ValidationError{Issues: []models.ValidationIssue{{Field: "text", Reason: "required"}}}, models.CodeValidation},
		{ErrRateLimited, models.CodeRateLimited},
		{errors.New("connection reset"), models.CodeServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, Classify(tc.err).Code, tc.err.Error())
	}
	assert.Nil(t, Classify(nil))
}

func TestServerErrorHidesDetails(t *testing.T) {
	e := Classify(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal error", e.AckError().Message)
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	op := newOperation("send", trace.SpanFromContext(context.Background()))
	assert.False(t, op.advance(StatePersisted))
	assert.Equal(t, StateReceived, op.state)
	assert.True(t, op.advance(StateValidated))
	assert.True(t, op.advance(StatePersisted))
	assert.True(t, op.advance(StateBroadcast))
	assert.True(t, op.advance(StateAcknowledged))
	assert.True(t, op.state.Terminal())
	assert.False(t, op.advance(StateRejected))
	assert.Equal(t, []State{StateReceived, StateValidated, StatePersisted, StateBroadcast, StateAcknowledged}, op.path)
}

func TestStoreFailureBeforeValidationIsPersistFailed(t *testing.T) {
	op := newOperation("send", trace.SpanFromContext(context.Background()))
	assert.True(t, op.advance(persistFailure(errors.New("connection refused"))))
	assert.Equal(t, StatePersistFailed, op.state)

	op = newOperation("send", trace.SpanFromContext(context.Background()))
	assert.True(t, op.advance(persistFailure(repositories.ErrNotParticipant)))
	assert.Equal(t, StateRejected, op.state)
}
