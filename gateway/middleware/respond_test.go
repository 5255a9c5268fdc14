package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("payer: %w", types.ErrInvalidInput), http.StatusBadRequest},
		{types.ErrInvalidAmount, http.StatusBadRequest},
		{types.ErrAuthentication, http.StatusUnauthorized},
		{types.ErrIndexUnavailable, http.StatusServiceUnavailable},
		{types.Upstream("blockhash", errors.New("eof")), http.StatusServiceUnavailable},
		{types.ErrReferenceNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusForError(tc.err); got != tc.want {
			t.Errorf("StatusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("database path /var/lib/x"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "/var/lib") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("%w: amount required", types.ErrInvalidInput))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "amount required") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}
