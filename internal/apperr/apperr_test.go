package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindToStatusAndCode(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   Kind
		status int
		code   string
	}{
		{"unauthorized", Unauthorizedf("x"), KindUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"forbidden", Forbiddenf("x"), KindForbidden, http.StatusForbidden, "forbidden"},
		{"not found", NotFoundf("x"), KindNotFound, http.StatusNotFound, "not_found"},
		{"conflict", Conflictf("x"), KindConflict, http.StatusConflict, "conflict"},
		{"validation", Validationf("x"), KindValidation, http.StatusBadRequest, "validation"},
		{"canceled", Canceledf("x"), KindCanceled, 499, "canceled"},
		{"internal", Internalf(errors.New("boom"), "x"), KindInternal, http.StatusInternalServerError, "internal"},
		{"plain error", errors.New("plain"), KindInternal, http.StatusInternalServerError, "internal"},
		{"wrapped", fmt.Errorf("outer: %w", Conflictf("inner")), KindConflict, http.StatusConflict, "conflict"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("kind: got %v, want %v", got, tc.kind)
			}
			if got := HTTPStatus(tc.err); got != tc.status {
				t.Fatalf("status: got %d, want %d", got, tc.status)
			}
			if got := Code(tc.err); got != tc.code {
				t.Fatalf("code: got %q, want %q", got, tc.code)
			}
		})
	}
}

func TestCanceledIsNotInternal(t *testing.T) {
	err := Canceledf("request cancelled")
	if HTTPStatus(err) == http.StatusInternalServerError {
		t.Fatalf("a caller-abandoned request must not surface as an internal error")
	}
}

func TestDetailsTravelTheChain(t *testing.T) {
	holder := map[string]string{"lockedBy": "alice"}
	err := fmt.Errorf("wrap: %w", Conflictf("locked").WithDetails(holder))

	got, ok := Details(err).(map[string]string)
	if !ok || got["lockedBy"] != "alice" {
		t.Fatalf("details lost through wrapping: %v", Details(err))
	}
	if Details(errors.New("plain")) != nil {
		t.Fatalf("plain errors carry no details")
	}
}
