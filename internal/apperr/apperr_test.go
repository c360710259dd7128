package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Internal},
		{"plain error", errors.New("boom"), Internal},
		{"classified", E(NotFound, "missing doc %d", 7), NotFound},
		{"wrapped classified", fmt.Errorf("outer: %w", E(Forbidden, "no tenant")), Forbidden},
		{"wrap helper", Wrap(Transient, errors.New("conn reset"), "index search"), Transient},
		{"context deadline", context.DeadlineExceeded, DeadlineExceeded},
		{"context canceled", context.Canceled, DeadlineExceeded},
		{"wrapped deadline", fmt.Errorf("research: %w", context.DeadlineExceeded), DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(Transient, nil, "no-op"))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(Validation, errors.New("k must be positive"), "search request")
	require.Error(t, err)
	assert.Equal(t, "search request: k must be positive", err.Error())
	assert.True(t, Is(err, Validation))
	assert.False(t, Is(err, NotFound))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, 400},
		{Forbidden, 403},
		{NotFound, 404},
		{Conflict, 409},
		{Unsupported, 415},
		{Transient, 503},
		{DeadlineExceeded, 504},
		{Internal, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), tt.kind.String())
	}
}
