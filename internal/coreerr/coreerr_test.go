package coreerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewCarriesKind(t *testing.T) {
	err := New(NotFound, "record missing")
	if KindOf(err) != NotFound {
		t.Fatalf("expected KindOf to report NotFound, got %v", KindOf(err))
	}
	if !Is(err, NotFound) {
		t.Fatal("expected Is(err, NotFound) to be true")
	}
}

func TestWrapPreservesUnwrapChain(t *testing.T) {
	root := errors.New("disk full")
	wrapped := Wrap(ResourceExhausted, "write failed", root)
	if !errors.Is(wrapped, root) {
		t.Fatal("expected errors.Is to see through the wrapped error to root")
	}
	if KindOf(wrapped) != ResourceExhausted {
		t.Fatalf("expected KindOf to report ResourceExhausted, got %v", KindOf(wrapped))
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(Internal, "msg", nil) != nil {
		t.Fatal("expected Wrap(kind, msg, nil) to return nil")
	}
}

func TestKindOfUnknownErrorIsUnknown(t *testing.T) {
	if KindOf(errors.New("plain error")) != Unknown {
		t.Fatal("expected a plain error with no coreerr kind to report Unknown")
	}
}

func TestKindOfWalksNestedWrapping(t *testing.T) {
	base := New(Aborted, "cancelled")
	outer := fmt.Errorf("outer context: %w", base)
	if KindOf(outer) != Aborted {
		t.Fatalf("expected KindOf to find the Aborted kind through fmt.Errorf wrapping, got %v", KindOf(outer))
	}
}

func TestKindStringValues(t *testing.T) {
	cases := map[Kind]string{
		NotFound:           "NotFound",
		InvalidArgument:    "InvalidArgument",
		FailedPrecondition: "FailedPrecondition",
		ResourceExhausted:  "ResourceExhausted",
		Aborted:            "Aborted",
		Internal:           "Internal",
		Unknown:            "Unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("expected %v.String() == %q, got %q", int(kind), want, got)
		}
	}
}
