package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"request timeout status", &StatusError{Code: 408}, ClassTransient},
		{"throttled", &StatusError{Code: 429}, ClassTransient},
		{"internal error", &StatusError{Code: 500}, ClassTransient},
		{"bad gateway", &StatusError{Code: 502}, ClassTransient},
		{"unavailable", &StatusError{Code: 503}, ClassTransient},
		{"gateway timeout", &StatusError{Code: 504}, ClassTransient},
		{"cloudflare origin down", &StatusError{Code: 521}, ClassTransient},
		{"cloudflare connect timeout", &StatusError{Code: 522}, ClassTransient},
		{"cloudflare origin timeout", &StatusError{Code: 524}, ClassTransient},
		{"not implemented is permanent", &StatusError{Code: 501}, ClassPermanent},
		{"bad request", &StatusError{Code: 400}, ClassPermanent},
		{"not found", &StatusError{Code: 404}, ClassPermanent},
		{"gone", &StatusError{Code: 410}, ClassPermanent},
		{"unprocessable", &StatusError{Code: 422}, ClassPermanent},
		{"wrapped status error", fmt.Errorf("send: %w", &StatusError{Code: 404}), ClassPermanent},
		{"context deadline", context.DeadlineExceeded, ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"breaker open", ErrCircuitOpen, ClassTransient},
		{"wrapped breaker open", fmt.Errorf("fail-fast: %w", ErrCircuitOpen), ClassTransient},
		{"unknown error defaults transient", errors.New("connection reset by peer"), ClassTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}
