package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "transient error",
			err:  ErrTransient,
			want: true,
		},
		{
			name: "wrapped invalid response",
			err:  fmt.Errorf("get region: %w", ErrInvalidResponse),
			want: true,
		},
		{
			name: "catalog breaker open",
			err:  errors.Join(ErrCatalogUnavailable, errors.New("additional context")),
			want: true,
		},
		{
			name: "not found",
			err:  ErrNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTransient(tt.err)
			if got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMutationError_IsAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("update line item: %w", ErrTransient)
	err := error(&MutationError{
		Op:         MutationIncrement,
		LineItemID: "li_1",
		Cart:       Cart{ID: "cart_1"},
		Err:        cause,
	})

	if !errors.Is(err, ErrMutationFailed) {
		t.Fatal("expected errors.Is(err, ErrMutationFailed)")
	}
	if !errors.Is(err, ErrTransient) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("unexpected match with ErrNotFound")
	}

	var mutationErr *MutationError
	if !errors.As(err, &mutationErr) {
		t.Fatal("expected errors.As to find *MutationError")
	}
	if mutationErr.Cart.ID != "cart_1" {
		t.Fatalf("expected rolled back cart to be attached, got %q", mutationErr.Cart.ID)
	}
}
