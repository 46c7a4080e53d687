// Package where implements spec §4.8/§6: the Where filter tree and its
// wire format, plus the SignedRoaringBitmap used to evaluate it without
// materializing a universe set until a negative branch actually needs one.
package where

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/flashvec/corevdb/internal/coreerr"
)

// CompositeOp is the boolean combinator for a Composite node.
type CompositeOp int

const (
	And CompositeOp = iota
	Or
)

// PrimitiveOp compares a metadata value against a single scalar.
type PrimitiveOp int

const (
	Eq PrimitiveOp = iota
	Ne
	Lt
	Lte
	Gt
	Gte
)

// SetOp compares a metadata value against a set of scalars.
type SetOp int

const (
	In SetOp = iota
	NotIn
)

// DocumentOp is a full-text presence predicate on the document body.
type DocumentOp int

const (
	Contains DocumentOp = iota
	NotContains
)

// Value is a typed metadata scalar (spec §6 "implicit $eq" accepts string,
// bool, int, float).
type Value struct {
	Str    string
	Bool   bool
	Int    int64
	Float  float64
	IsStr  bool
	IsBool bool
	IsInt  bool
	IsFlt  bool
}

func StringValue(s string) Value  { return Value{Str: s, IsStr: true} }
func BoolValue(b bool) Value      { return Value{Bool: b, IsBool: true} }
func IntValue(i int64) Value      { return Value{Int: i, IsInt: true} }
func FloatValue(f float64) Value  { return Value{Float: f, IsFlt: true} }

// MetadataComparison is either a Primitive(op, value) or a Set(op, values)
// comparison (spec §4.8).
type MetadataComparison struct {
	IsSet     bool
	Primitive PrimitiveOp
	Set       SetOp
	Value     Value
	Values    []Value
}

// Where is the sum type spec §4.8 describes: Composite{op, children},
// Metadata{key, comparison}, Document{op, text}.
type Where struct {
	// Composite
	IsComposite bool
	Op          CompositeOp
	Children    []*Where

	// Metadata
	IsMetadata bool
	Key        string
	Comparison MetadataComparison

	// Document
	IsDocument bool
	DocOp      DocumentOp
	Text       string
}

func NewAnd(children ...*Where) *Where { return &Where{IsComposite: true, Op: And, Children: children} }
func NewOr(children ...*Where) *Where  { return &Where{IsComposite: true, Op: Or, Children: children} }

func NewMetadata(key string, cmp MetadataComparison) *Where {
	return &Where{IsMetadata: true, Key: key, Comparison: cmp}
}

func NewDocument(op DocumentOp, text string) *Where {
	return &Where{IsDocument: true, DocOp: op, Text: text}
}

// SignedRoaringBitmap represents either a positive set ("these ids pass")
// or a negative one ("these ids fail", i.e. everything except the
// contained ids passes). Complementing is O(1): it just flips the sign,
// deferring materialization against a universe until something forces it
// (spec §4.8).
type SignedRoaringBitmap struct {
	Positive bool
	Bitmap   *roaring.Bitmap
}

func Pos(ids ...uint32) SignedRoaringBitmap {
	b := roaring.New()
	b.AddMany(ids)
	return SignedRoaringBitmap{Positive: true, Bitmap: b}
}

func Neg(ids ...uint32) SignedRoaringBitmap {
	b := roaring.New()
	b.AddMany(ids)
	return SignedRoaringBitmap{Positive: false, Bitmap: b}
}

// EmptyPositive is the "nothing passes" identity for Or-folding.
func EmptyPositive() SignedRoaringBitmap { return SignedRoaringBitmap{Positive: true, Bitmap: roaring.New()} }

// EmptyNegative is the "everything passes" identity for And-folding.
func EmptyNegative() SignedRoaringBitmap { return SignedRoaringBitmap{Positive: false, Bitmap: roaring.New()} }

// Complement flips sign in O(1) (spec §4.8 "complementable in O(1)").
func (s SignedRoaringBitmap) Complement() SignedRoaringBitmap {
	return SignedRoaringBitmap{Positive: !s.Positive, Bitmap: s.Bitmap}
}

// And intersects two signed bitmaps following De Morgan's rules for mixed
// sign combinations: pos&pos -> intersect; neg&neg -> union of excludes,
// negated; pos&neg -> pos minus neg's excludes.
func (s SignedRoaringBitmap) And(o SignedRoaringBitmap) SignedRoaringBitmap {
	switch {
	case s.Positive && o.Positive:
		return SignedRoaringBitmap{Positive: true, Bitmap: roaring.And(s.Bitmap, o.Bitmap)}
	case !s.Positive && !o.Positive:
		return SignedRoaringBitmap{Positive: false, Bitmap: roaring.Or(s.Bitmap, o.Bitmap)}
	case s.Positive && !o.Positive:
		return SignedRoaringBitmap{Positive: true, Bitmap: roaring.AndNot(s.Bitmap, o.Bitmap)}
	default: // !s.Positive && o.Positive
		return SignedRoaringBitmap{Positive: true, Bitmap: roaring.AndNot(o.Bitmap, s.Bitmap)}
	}
}

// Or unions two signed bitmaps, the dual of And.
func (s SignedRoaringBitmap) Or(o SignedRoaringBitmap) SignedRoaringBitmap {
	switch {
	case s.Positive && o.Positive:
		return SignedRoaringBitmap{Positive: true, Bitmap: roaring.Or(s.Bitmap, o.Bitmap)}
	case !s.Positive && !o.Positive:
		return SignedRoaringBitmap{Positive: false, Bitmap: roaring.And(s.Bitmap, o.Bitmap)}
	case s.Positive && !o.Positive:
		return SignedRoaringBitmap{Positive: false, Bitmap: roaring.AndNot(o.Bitmap, s.Bitmap)}
	default:
		return SignedRoaringBitmap{Positive: false, Bitmap: roaring.AndNot(s.Bitmap, o.Bitmap)}
	}
}

// Materialize resolves a negative bitmap against universe (the record
// segment's full id set), returning a concrete positive set of passing ids
// (spec §4.8 "resolved against the universe ... only when materialisation
// is required").
func (s SignedRoaringBitmap) Materialize(universe *roaring.Bitmap) *roaring.Bitmap {
	if s.Positive {
		return s.Bitmap.Clone()
	}
	return roaring.AndNot(universe, s.Bitmap)
}

// MetadataLookup resolves (key, value) membership for a single predicate;
// the metadata segment (internal/segment) supplies the concrete
// implementation by walking its inverted index.
type MetadataLookup interface {
	Eq(key string, v Value) (*roaring.Bitmap, error)
	Lt(key string, v Value) (*roaring.Bitmap, error)
	Lte(key string, v Value) (*roaring.Bitmap, error)
	Gt(key string, v Value) (*roaring.Bitmap, error)
	Gte(key string, v Value) (*roaring.Bitmap, error)
	DocumentContains(text string) (*roaring.Bitmap, error)
}

// Eval evaluates the Where tree against lookup, returning a
// SignedRoaringBitmap (spec §4.8 "Evaluation returns a SignedRoaringBitmap").
func Eval(w *Where, lookup MetadataLookup) (SignedRoaringBitmap, error) {
	switch {
	case w == nil:
		return EmptyNegative(), nil // no filter: everything passes
	case w.IsComposite:
		if len(w.Children) == 0 {
			return EmptyNegative(), coreerr.New(coreerr.InvalidArgument, "where: composite node with no children")
		}
		acc, err := Eval(w.Children[0], lookup)
		if err != nil {
			return SignedRoaringBitmap{}, err
		}
		for _, child := range w.Children[1:] {
			c, err := Eval(child, lookup)
			if err != nil {
				return SignedRoaringBitmap{}, err
			}
			if w.Op == And {
				acc = acc.And(c)
			} else {
				acc = acc.Or(c)
			}
		}
		return acc, nil
	case w.IsMetadata:
		return evalMetadata(w, lookup)
	case w.IsDocument:
		return evalDocument(w, lookup)
	default:
		return SignedRoaringBitmap{}, coreerr.New(coreerr.InvalidArgument, "where: empty node")
	}
}

func evalMetadata(w *Where, lookup MetadataLookup) (SignedRoaringBitmap, error) {
	cmp := w.Comparison
	if cmp.IsSet {
		acc := EmptyPositive()
		for _, v := range cmp.Values {
			b, err := lookup.Eq(w.Key, v)
			if err != nil {
				return SignedRoaringBitmap{}, err
			}
			acc = acc.Or(SignedRoaringBitmap{Positive: true, Bitmap: b})
		}
		if cmp.Set == In {
			return acc, nil
		}
		return acc.Complement(), nil
	}

	var (
		b   *roaring.Bitmap
		err error
	)
	switch cmp.Primitive {
	case Eq:
		b, err = lookup.Eq(w.Key, cmp.Value)
	case Ne:
		b, err = lookup.Eq(w.Key, cmp.Value)
		if err == nil {
			return SignedRoaringBitmap{Positive: false, Bitmap: b}, nil
		}
	case Lt:
		b, err = lookup.Lt(w.Key, cmp.Value)
	case Lte:
		b, err = lookup.Lte(w.Key, cmp.Value)
	case Gt:
		b, err = lookup.Gt(w.Key, cmp.Value)
	case Gte:
		b, err = lookup.Gte(w.Key, cmp.Value)
	default:
		return SignedRoaringBitmap{}, coreerr.New(coreerr.InvalidArgument, fmt.Sprintf("where: unknown operator %v", cmp.Primitive))
	}
	if err != nil {
		return SignedRoaringBitmap{}, err
	}
	return SignedRoaringBitmap{Positive: true, Bitmap: b}, nil
}

func evalDocument(w *Where, lookup MetadataLookup) (SignedRoaringBitmap, error) {
	b, err := lookup.DocumentContains(w.Text)
	if err != nil {
		return SignedRoaringBitmap{}, err
	}
	if w.DocOp == Contains {
		return SignedRoaringBitmap{Positive: true, Bitmap: b}, nil
	}
	return SignedRoaringBitmap{Positive: false, Bitmap: b}, nil
}
