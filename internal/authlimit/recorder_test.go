package authlimit

import (
	"net/http"
	"testing"
)

func TestIsFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"401 without body", http.StatusUnauthorized, "", true},
		{"401 with any code", http.StatusUnauthorized, `{"code":"WHATEVER"}`, true},
		{"400 validation", http.StatusBadRequest, `{"code":"VALIDATION_ERROR"}`, false},
		{"422 plain", http.StatusUnprocessableEntity, `not json`, false},
		{"403 failure code", http.StatusForbidden, `{"code":"WRONG_EMAIL_OR_PASSWORD"}`, true},
		{"400 nested failure code", http.StatusBadRequest, `{"error":{"code":"INVALID_TOKEN"}}`, true},
		{"400 failure message", http.StatusBadRequest, `{"error":"Invalid credentials supplied"}`, true},
		{"400 other message", http.StatusBadRequest, `{"error":"email is required"}`, false},
		{"429", http.StatusTooManyRequests, `{"code":"UNAUTHORIZED"}`, false},
		{"500 with failure code", http.StatusInternalServerError, `{"code":"AUTH_FAILED"}`, false},
		{"200", http.StatusOK, `{"code":"AUTH_FAILED"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFailure(tt.status, []byte(tt.body)); got != tt.want {
				t.Errorf("isFailure(%d, %s) = %v, want %v", tt.status, tt.body, got, tt.want)
			}
		})
	}
}
