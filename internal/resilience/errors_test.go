package resilience

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient_NilError(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_ExplicitTransient(t *testing.T) {
	err := NewTransientError(eris.New("too many requests"), 429)
	assert.True(t, IsTransient(err))
}

func TestIsTransient_WrappedTransient(t *testing.T) {
	err := eris.Wrap(NewTransientError(eris.New("bad gateway"), 502), "bankfeed: fetch page")
	assert.True(t, IsTransient(err))
}

func TestIsTransient_PermanentNeverTransient(t *testing.T) {
	// A permanent wraps what looks like a transient message; permanence wins.
	err := NewPermanentError(eris.New("i/o timeout during token exchange"))
	assert.False(t, IsTransient(err))
	assert.True(t, IsPermanent(err))
}

func TestIsTransient_NetworkPatterns(t *testing.T) {
	for _, msg := range []string{
		"read tcp: connection reset by peer",
		"dial tcp: i/o timeout",
		"lookup api.bank.example: no such host",
	} {
		assert.True(t, IsTransient(eris.New(msg)), msg)
	}
}

func TestIsTransient_PlainDataError(t *testing.T) {
	assert.False(t, IsTransient(eris.New("malformed transaction payload")))
}

func TestIsPermanent_Wrapped(t *testing.T) {
	err := eris.Wrap(NewPermanentError(eris.New("connection revoked")), "importer: run job")
	assert.True(t, IsPermanent(err))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "%d", code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "%d", code)
	}
}
