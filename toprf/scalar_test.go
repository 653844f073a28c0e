package toprf

import (
	"testing"
)

// TestCoeffSingleton checks that the Lagrange coefficient of an index
// against a singleton set containing only itself is always 1.
func TestCoeffSingleton(t *testing.T) {
	c, err := Coeff(7, []uint8{7})
	if err != nil {
		t.Fatalf("Coeff: %v", err)
	}
	one := ScalarFromIndex(1)
	if string(c.Bytes()) != string(one.Bytes()) {
		t.Errorf("Coeff(7, {7}) != 1")
	}
}

// TestCoeffSumsToOne checks that the Lagrange coefficients over a t-sized
// index set always sum to 1 in the scalar field.
func TestCoeffSumsToOne(t *testing.T) {
	indexes := []uint8{2, 5, 9, 13}
	sum := NewScalar()
	for _, i := range indexes {
		c, err := Coeff(i, indexes)
		if err != nil {
			t.Fatalf("Coeff(%d): %v", i, err)
		}
		sum = sum.Add(c)
	}
	one := ScalarFromIndex(1)
	if string(sum.Bytes()) != string(one.Bytes()) {
		t.Errorf("sum of Lagrange coefficients != 1")
	}
}

// TestCoeffMissingIndex checks the precondition i ∈ indexes is enforced.
func TestCoeffMissingIndex(t *testing.T) {
	if _, err := Coeff(3, []uint8{1, 2}); err == nil {
		t.Errorf("expected error for index not present in index set")
	}
}

// TestScalarInvertZero checks that inverting the zero scalar fails with a
// DomainError instead of panicking or returning a bogus value.
func TestScalarInvertZero(t *testing.T) {
	z := NewScalar()
	if _, err := z.Invert(); err == nil {
		t.Errorf("expected DomainError inverting zero scalar")
	} else if _, ok := err.(*DomainError); !ok {
		t.Errorf("expected *DomainError, got %T", err)
	}
}

// TestScalarRoundTrip checks that encoding and decoding a Scalar is lossless.
func TestScalarRoundTrip(t *testing.T) {
	s := ScalarFromIndex(42)
	decoded, err := DecodeScalar(s.Bytes())
	if err != nil {
		t.Fatalf("DecodeScalar: %v", err)
	}
	if string(decoded.Bytes()) != string(s.Bytes()) {
		t.Errorf("round trip mismatch")
	}
}

// TestPointMulIdentity checks that multiplying the identity point produces
// a DomainError rather than silently returning the group identity.
func TestPointMulIdentity(t *testing.T) {
	identity := &Point{inner: BasePoint(NewScalar()).inner}
	nonZero := ScalarFromIndex(5)
	if _, err := identity.Mul(nonZero); err == nil {
		t.Errorf("expected DomainError multiplying the identity point")
	}
}

// TestThresholdMultMatchesCombine checks that combining plain
// (un-pre-multiplied) partials via ThresholdMult agrees with
// pre-multiplying at evaluation time and summing via ThresholdCombine.
func TestThresholdMultMatchesCombine(t *testing.T) {
	secret := NewScalar()
	for _, b := range []byte("threshold-mult-secret") {
		secret = secret.Add(ScalarFromIndex(b))
	}

	shares, err := CreateShares(secret.inner, 5, 3)
	if err != nil {
		t.Fatalf("CreateShares: %v", err)
	}

	alpha := BasePoint(ScalarFromIndex(9)) // any fixed group element stands in for a blinded input
	alphaBytes := alpha.Bytes()

	indexes := []uint8{1, 2, 3}

	// Pre-multiplied path.
	var preResponses [][]byte
	for _, idx := range indexes {
		share := shares[idx-1]
		resp, err := Evaluate(share, alphaBytes, indexes)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		preResponses = append(preResponses, resp)
	}
	combined, err := ThresholdCombine(preResponses)
	if err != nil {
		t.Fatalf("ThresholdCombine: %v", err)
	}

	// Un-pre-multiplied path: evaluate with coefficient 1, combine via ThresholdMult.
	var rawParts []Part
	for _, idx := range indexes {
		share := shares[idx-1]
		aE, err := DecodePoint(alphaBytes)
		if err != nil {
			t.Fatalf("DecodePoint: %v", err)
		}
		elem, err := aE.Mul(&Scalar{inner: share.Value})
		if err != nil {
			t.Fatalf("Mul: %v", err)
		}
		rawParts = append(rawParts, Part{Index: idx, Element: elem.inner})
	}
	multCombined, err := ThresholdMult(rawParts)
	if err != nil {
		t.Fatalf("ThresholdMult: %v", err)
	}

	if string(combined) != string(multCombined) {
		t.Errorf("ThresholdCombine and ThresholdMult disagree")
	}
}
