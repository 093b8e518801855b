package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestServerError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServerError
		contains []string
	}{
		{
			name: "status only",
			err: &ServerError{
				URL:        "https://gis.example.gov/MapServer/0/query",
				StatusCode: 404,
				ErrorClass: ErrorClassClient,
				Message:    "404 Not Found",
			},
			contains: []string{"client", "404", "MapServer/0/query", "404 Not Found"},
		},
		{
			name: "with body and wrapped error",
			err: &ServerError{
				StatusCode: 200,
				ErrorClass: ErrorClassMalformed,
				Message:    "unexpected JSON shape",
				Body:       "<html>",
				Err:        errors.New("invalid character"),
			},
			contains: []string{"malformed", "<html>", "invalid character"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want it to contain %q", msg, want)
				}
			}
		})
	}
}

func TestServerError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &ServerError{Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var target *ServerError
	wrapped := errors.Join(errors.New("outer"), err)
	if !errors.As(wrapped, &target) {
		t.Error("errors.As should find *ServerError")
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	err := &TransportError{URL: "http://x", Err: context.DeadlineExceeded}

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is should find context.DeadlineExceeded")
	}
	if !strings.Contains(err.Error(), "http://x") {
		t.Errorf("Error() = %q, want URL", err.Error())
	}
}

func TestIsTransientStatus(t *testing.T) {
	transient := []int{429, 500, 502, 503, 504}
	permanent := []int{200, 400, 401, 403, 404, 501, 505}

	for _, s := range transient {
		if !IsTransientStatus(s) {
			t.Errorf("IsTransientStatus(%d) = false, want true", s)
		}
	}
	for _, s := range permanent {
		if IsTransientStatus(s) {
			t.Errorf("IsTransientStatus(%d) = true, want false", s)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{http.StatusTooManyRequests, ErrorClassRateLimit},
		{http.StatusBadRequest, ErrorClassClient},
		{http.StatusNotFound, ErrorClassClient},
		{http.StatusInternalServerError, ErrorClassServer},
		{http.StatusGatewayTimeout, ErrorClassServer},
		{http.StatusOK, ""},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassClient, false},
		{ErrorClassMalformed, false},
		{ErrorClassServer, true},
		{ErrorClassRateLimit, true},
		{ErrorClassNetwork, true},
		{"", false},
	}

	for _, tt := range tests {
		if got := shouldRetry(tt.class); got != tt.want {
			t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}
