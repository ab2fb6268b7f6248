// Package test provides assertion and setup helpers used by the tests of the other rpipe packages.
package test

import (
	"net/http/httptest"
	"strings"
	"testing"
)

// Response tests if a HTTP response status code and body match the expected values and fails t if they do not
func Response(t *testing.T, rr *httptest.ResponseRecorder, status int, body string) {
	t.Helper()
	Status(t, rr, status)
	Body(t, rr, body)
}

// Status tests if a HTTP response status code matches the expected values and fails t if it does not
func Status(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Errorf("unexpected status code: got %v want %v (body: %s)", rr.Code, status, strings.TrimSpace(rr.Body.String()))
	}
}

// Body tests if a HTTP response body matches the expected values and fails t if it does not
func Body(t *testing.T, rr *httptest.ResponseRecorder, body string) {
	t.Helper()
	if strings.TrimSpace(rr.Body.String()) != strings.TrimSpace(body) {
		t.Errorf("unexpected body: got %v want %v", strings.TrimSpace(rr.Body.String()), strings.TrimSpace(body))
	}
}

// Header tests if a HTTP response header has the expected value and fails t if it does not
func Header(t *testing.T, rr *httptest.ResponseRecorder, name string, value string) {
	t.Helper()
	if actual := rr.Header().Get(name); actual != value {
		t.Errorf("unexpected header %s: got %v want %v", name, actual, value)
	}
}
