package protocol_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/nurture/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func TestTransient(t *testing.T) {
	t.Parallel()

	cause := context.DeadlineExceeded
	err := protocol.Transient(cause)

	assert.True(t, protocol.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, cause.Error(), err.Error())
	assert.False(t, protocol.IsTransient(errors.New("boom")))
	assert.NoError(t, protocol.Transient(nil))
	assert.True(t, protocol.IsTransient(protocol.Transientf("store %s down", "contacts")))
}
