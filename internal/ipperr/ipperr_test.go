package ipperr

import (
	"errors"
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
)

func TestStatusDefaultsToInternalError(t *testing.T) {
	assert.Equal(t, goipp.StatusOk, Status(nil))
	assert.Equal(t, goipp.StatusErrorInternal, Status(errors.New("boom")))
	assert.Equal(t, goipp.StatusErrorNotFound, Status(NotFound("no such job")))
}

func TestClientMessageNeverLeaksCause(t *testing.T) {
	cause := errors.New("bbolt: database is locked at /var/spool/ipp-scheduler/db")
	err := Wrap(goipp.StatusErrorInternal, cause, "internal server error")

	assert.Equal(t, "internal server error", ClientMessage(err))
	assert.NotContains(t, ClientMessage(err), "bbolt")
	assert.ErrorIs(t, err, cause)
}

func TestWithUnsupportedAccumulates(t *testing.T) {
	err := AttributesNotSupported("unsupported keyword").
		WithUnsupported(goipp.Attribute{Name: "sides"}).
		WithUnsupported(goipp.Attribute{Name: "media"})

	assert.Len(t, err.Unsupported, 2)
}

func TestOperationNotSupportedMessage(t *testing.T) {
	err := OperationNotSupported(goipp.Op(0x9999))
	assert.Equal(t, goipp.StatusErrorOperationNotSupported, err.Status)
}
