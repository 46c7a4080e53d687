package where

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
)

// fakeLookup answers metadata predicates from an in-memory column: each key
// maps to a set of (id -> Value), letting tests build predicates without a
// real segment.
type fakeLookup struct {
	col map[string]map[uint32]Value
}

func (f *fakeLookup) match(key string, pred func(Value) bool) *roaring.Bitmap {
	b := roaring.New()
	for id, v := range f.col[key] {
		if pred(v) {
			b.Add(id)
		}
	}
	return b
}

func (f *fakeLookup) Eq(key string, v Value) (*roaring.Bitmap, error) {
	return f.match(key, func(c Value) bool { return c == v }), nil
}
func (f *fakeLookup) Lt(key string, v Value) (*roaring.Bitmap, error) {
	return f.match(key, func(c Value) bool { return c.Int < v.Int }), nil
}
func (f *fakeLookup) Lte(key string, v Value) (*roaring.Bitmap, error) {
	return f.match(key, func(c Value) bool { return c.Int <= v.Int }), nil
}
func (f *fakeLookup) Gt(key string, v Value) (*roaring.Bitmap, error) {
	return f.match(key, func(c Value) bool { return c.Int > v.Int }), nil
}
func (f *fakeLookup) Gte(key string, v Value) (*roaring.Bitmap, error) {
	return f.match(key, func(c Value) bool { return c.Int >= v.Int }), nil
}
func (f *fakeLookup) DocumentContains(text string) (*roaring.Bitmap, error) {
	if text == "found" {
		return roaring.BitmapOf(1, 2), nil
	}
	return roaring.New(), nil
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{col: map[string]map[uint32]Value{
		"color": {1: StringValue("red"), 2: StringValue("blue"), 3: StringValue("red")},
		"count": {1: IntValue(1), 2: IntValue(5), 3: IntValue(10)},
	}}
}

func assertIDs(t *testing.T, s SignedRoaringBitmap, universe *roaring.Bitmap, want ...uint32) {
	t.Helper()
	got := s.Materialize(universe)
	wantB := roaring.BitmapOf(want...)
	if !got.Equals(wantB) {
		t.Fatalf("expected ids %v, got %v", wantB.ToArray(), got.ToArray())
	}
}

func TestEvalNilWhereMeansEverythingPasses(t *testing.T) {
	universe := roaring.BitmapOf(1, 2, 3)
	s, err := Eval(nil, newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s, universe, 1, 2, 3)
}

func TestEvalMetadataEq(t *testing.T) {
	s, err := Eval(NewMetadata("color", MetadataComparison{Primitive: Eq, Value: StringValue("red")}), newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s, roaring.BitmapOf(1, 2, 3), 1, 3)
}

func TestEvalMetadataNeComplements(t *testing.T) {
	s, err := Eval(NewMetadata("color", MetadataComparison{Primitive: Ne, Value: StringValue("red")}), newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s, roaring.BitmapOf(1, 2, 3), 2)
}

func TestEvalMetadataRangeOps(t *testing.T) {
	lookup := newFakeLookup()
	universe := roaring.BitmapOf(1, 2, 3)

	gt, err := Eval(NewMetadata("count", MetadataComparison{Primitive: Gt, Value: IntValue(1)}), lookup)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, gt, universe, 2, 3)

	lte, err := Eval(NewMetadata("count", MetadataComparison{Primitive: Lte, Value: IntValue(5)}), lookup)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, lte, universe, 1, 2)
}

func TestEvalMetadataInSet(t *testing.T) {
	s, err := Eval(NewMetadata("color", MetadataComparison{IsSet: true, Set: In, Values: []Value{StringValue("blue")}}), newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s, roaring.BitmapOf(1, 2, 3), 2)
}

func TestEvalMetadataNotInSetComplements(t *testing.T) {
	s, err := Eval(NewMetadata("color", MetadataComparison{IsSet: true, Set: NotIn, Values: []Value{StringValue("blue")}}), newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s, roaring.BitmapOf(1, 2, 3), 1, 3)
}

func TestEvalDocumentContainsAndNot(t *testing.T) {
	lookup := newFakeLookup()
	universe := roaring.BitmapOf(1, 2, 3)

	contains, err := Eval(NewDocument(Contains, "found"), lookup)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, contains, universe, 1, 2)

	notContains, err := Eval(NewDocument(NotContains, "found"), lookup)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, notContains, universe, 3)
}

func TestEvalAndIntersectsChildren(t *testing.T) {
	w := NewAnd(
		NewMetadata("color", MetadataComparison{Primitive: Eq, Value: StringValue("red")}),
		NewMetadata("count", MetadataComparison{Primitive: Gt, Value: IntValue(5)}),
	)
	s, err := Eval(w, newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s, roaring.BitmapOf(1, 2, 3), 3)
}

func TestEvalOrUnionsChildren(t *testing.T) {
	w := NewOr(
		NewMetadata("color", MetadataComparison{Primitive: Eq, Value: StringValue("blue")}),
		NewMetadata("count", MetadataComparison{Primitive: Eq, Value: IntValue(1)}),
	)
	s, err := Eval(w, newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s, roaring.BitmapOf(1, 2, 3), 1, 2)
}

func TestEvalAndOfNegativesStaysDeferred(t *testing.T) {
	// color != "red" AND count != 1 should exclude id 1 (red, count 1) and
	// id 3 (red), leaving only id 2.
	w := NewAnd(
		NewMetadata("color", MetadataComparison{Primitive: Ne, Value: StringValue("red")}),
		NewMetadata("count", MetadataComparison{Primitive: Ne, Value: IntValue(1)}),
	)
	s, err := Eval(w, newFakeLookup())
	if err != nil {
		t.Fatal(err)
	}
	if s.Positive {
		t.Fatal("expected an AND of two negatives to stay negative until materialized")
	}
	assertIDs(t, s, roaring.BitmapOf(1, 2, 3), 2)
}

func TestEvalCompositeWithNoChildrenErrors(t *testing.T) {
	if _, err := Eval(&Where{IsComposite: true}, newFakeLookup()); err == nil {
		t.Fatal("expected an error for a composite node with no children")
	}
}

func TestSignedRoaringBitmapComplementIsCheap(t *testing.T) {
	pos := Pos(1, 2)
	neg := pos.Complement()
	if neg.Positive {
		t.Fatal("expected Complement to flip sign")
	}
	if neg.Bitmap != pos.Bitmap {
		t.Fatal("expected Complement to share the underlying bitmap rather than copy it")
	}
}

func TestParseJSONImplicitEq(t *testing.T) {
	w, err := ParseJSON([]byte(`{"color": "red"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !w.IsMetadata || w.Key != "color" || w.Comparison.Primitive != Eq || w.Comparison.Value != StringValue("red") {
		t.Fatalf("unexpected parse result: %+v", w)
	}
}

func TestParseJSONOperatorAndInSet(t *testing.T) {
	w, err := ParseJSON([]byte(`{"$and": [{"count": {"$gt": 1}}, {"count": {"$in": [5, 10]}}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !w.IsComposite || w.Op != And || len(w.Children) != 2 {
		t.Fatalf("unexpected parse result: %+v", w)
	}
	if w.Children[0].Comparison.Primitive != Gt {
		t.Fatalf("expected first child to be $gt, got %+v", w.Children[0])
	}
	if !w.Children[1].Comparison.IsSet || w.Children[1].Comparison.Set != In {
		t.Fatalf("expected second child to be an $in set, got %+v", w.Children[1])
	}
}

func TestParseJSONDocumentOperators(t *testing.T) {
	w, err := ParseJSON([]byte(`{"$contains": "hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !w.IsDocument || w.DocOp != Contains || w.Text != "hello" {
		t.Fatalf("unexpected parse result: %+v", w)
	}
}

func TestParseJSONEmptyInArrayErrors(t *testing.T) {
	if _, err := ParseJSON([]byte(`{"count": {"$in": []}}`)); err == nil {
		t.Fatal("expected an empty $in array to error")
	}
}

func TestParseJSONMultipleTopLevelKeysErrors(t *testing.T) {
	if _, err := ParseJSON([]byte(`{"a": 1, "b": 2}`)); err == nil {
		t.Fatal("expected multiple top-level keys to error")
	}
}

func TestParseJSONUnknownOperatorErrors(t *testing.T) {
	if _, err := ParseJSON([]byte(`{"count": {"$bogus": 1}}`)); err == nil {
		t.Fatal("expected an unknown operator to error")
	}
}
