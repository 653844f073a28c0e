package toprf

import (
	"errors"

	"github.com/gtank/ristretto255"
)

// DomainError reports a curve-arithmetic operation that is undefined for
// its input: inverting zero, or a scalar multiplication collapsing onto the
// group identity, named explicitly here rather than left as a generic
// error string.
type DomainError struct {
	Op string
}

func (e *DomainError) Error() string { return "toprf: domain error in " + e.Op }

// Scalar is a thin, typed wrapper around a ristretto255 scalar. It exists
// so the dkg package (and any future caller) can talk about "a scalar" as a
// value type with constant-time arithmetic, without every call site
// importing gtank/ristretto255 directly and reaching for NewScalar() by
// hand the way toprf.go's own CreateShares/Evaluate still do, kept for
// compatibility with the older Share/Part API those functions return.
type Scalar struct {
	inner *ristretto255.Scalar
}

// NewScalar returns the additive identity (zero).
func NewScalar() *Scalar {
	return &Scalar{inner: ristretto255.NewScalar()}
}

// RandomScalar draws a uniform scalar from src (64 bytes of input, reduced
// mod the group order, per ristretto255.Scalar.FromUniformBytes).
func RandomScalar(src interface{ Read([]byte) (int, error) }) (*Scalar, error) {
	buf := make([]byte, 64)
	if _, err := src.Read(buf); err != nil {
		return nil, err
	}
	s := ristretto255.NewScalar()
	s.FromUniformBytes(buf)
	return &Scalar{inner: s}, nil
}

// ScalarFromIndex embeds a wire index (0 or 1..255) as a scalar, placing the
// byte in the least-significant position.
func ScalarFromIndex(i uint8) *Scalar {
	var buf [32]byte
	buf[0] = i
	s := ristretto255.NewScalar()
	s.Decode(buf[:]) // canonical zero-padded encoding, never fails
	return &Scalar{inner: s}
}

// DecodeScalar parses a canonical 32-byte scalar encoding, rejecting
// non-canonical encodings (ristretto255.Scalar.Decode already enforces
// this).
func DecodeScalar(b []byte) (*Scalar, error) {
	if len(b) != ScalarBytes {
		return nil, errors.New("toprf: scalar must be 32 bytes")
	}
	s := ristretto255.NewScalar()
	if err := s.Decode(b); err != nil {
		return nil, err
	}
	return &Scalar{inner: s}, nil
}

// Bytes returns the canonical 32-byte encoding.
func (s *Scalar) Bytes() []byte { return s.inner.Encode(nil) }

// Add returns s + other.
func (s *Scalar) Add(other *Scalar) *Scalar {
	return &Scalar{inner: ristretto255.NewScalar().Add(s.inner, other.inner)}
}

// Sub returns s - other.
func (s *Scalar) Sub(other *Scalar) *Scalar {
	return &Scalar{inner: ristretto255.NewScalar().Subtract(s.inner, other.inner)}
}

// Mul returns s * other.
func (s *Scalar) Mul(other *Scalar) *Scalar {
	return &Scalar{inner: ristretto255.NewScalar().Multiply(s.inner, other.inner)}
}

// Invert returns 1/s, or DomainError if s is zero.
func (s *Scalar) Invert() (*Scalar, error) {
	if s.inner.Equal(ristretto255.NewScalar()) == 1 {
		return nil, &DomainError{Op: "Scalar.Invert"}
	}
	return &Scalar{inner: ristretto255.NewScalar().Invert(s.inner)}, nil
}

// Point is a thin, typed wrapper around a ristretto255 group element.
type Point struct {
	inner *ristretto255.Element
}

// BasePoint returns g^s for the group generator g.
func BasePoint(s *Scalar) *Point {
	return &Point{inner: ristretto255.NewElement().ScalarBaseMult(s.inner)}
}

// DecodePoint parses a canonical 32-byte element encoding.
func DecodePoint(b []byte) (*Point, error) {
	if len(b) != ElementBytes {
		return nil, errors.New("toprf: point must be 32 bytes")
	}
	e := ristretto255.NewElement()
	if err := e.Decode(b); err != nil {
		return nil, err
	}
	return &Point{inner: e}, nil
}

// Bytes returns the canonical 32-byte encoding.
func (p *Point) Bytes() []byte { return p.inner.Encode(nil) }

// Add returns p + other.
func (p *Point) Add(other *Point) *Point {
	return &Point{inner: ristretto255.NewElement().Add(p.inner, other.inner)}
}

// Mul returns p^s (scalar multiplication), failing with DomainError if the
// result is the group identity.
func (p *Point) Mul(s *Scalar) (*Point, error) {
	result := ristretto255.NewElement().ScalarMult(s.inner, p.inner)
	if result.Equal(ristretto255.NewElement()) == 1 {
		return nil, &DomainError{Op: "Point.Mul"}
	}
	return &Point{inner: result}, nil
}

// Equal reports whether p and other encode the same point.
func (p *Point) Equal(other *Point) bool {
	return p.inner.Equal(other.inner) == 1
}
