package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get user:1: %w", ErrRecordNotFound), http.StatusNotFound},
		{"unknown type", ErrUnknownEntityType, http.StatusNotFound},
		{"invalid", ErrInvalidInput, http.StatusBadRequest},
		{"not indexed", fmt.Errorf("query: %w", ErrNotIndexed), http.StatusBadRequest},
		{"store down", fmt.Errorf("put: %w: dial tcp", ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"timed out", fmt.Errorf("rebuild user: %w: context deadline exceeded", ErrTimeout), http.StatusGatewayTimeout},
		{"forbidden", ErrForbidden, http.StatusForbidden},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests},
		{"app error wins", Newf(ErrInternal, http.StatusTeapot, "brew %d", 1), http.StatusTeapot},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestInvalidWrapsSentinel(t *testing.T) {
	err := Invalid("id %q is malformed", "a b")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, `invalid input: id "a b" is malformed`, err.Error())
}
