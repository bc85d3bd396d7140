// Package qnum implements the fixed-width Quantum Number type used across
// the kernel core. A Number packs 12 ordinal components of 20 bits each,
// one sign bit per ordinal and a 4-bit integrity checksum into 256 bits.
// The kernel treats Numbers as opaque mathematical values; only the
// operations below are relied upon by the memory manager and scheduler.
package qnum

import (
	"errors"
	"fmt"
)

// Ordinal indices for special mathematical components.
const (
	OrdinalReal = 0  // Real component
	OrdinalI    = 8  // Imaginary component
	OrdinalJ    = 9  // Quaternion j component
	OrdinalK    = 10 // Quaternion k component
)

// OrdinalCount is the number of ordinal components in a Number.
const OrdinalCount = 12

// OrdinalMax is the maximum value of a 20-bit ordinal component.
const OrdinalMax = 0xFFFFF

var (
	ErrInvalidOrdinal   = errors.New("qnum: ordinal index out of range")
	ErrChecksumMismatch = errors.New("qnum: checksum mismatch")
	ErrDivisionByZero   = errors.New("qnum: division by zero")
	ErrOverflow         = errors.New("qnum: ordinal overflow")
)

// Number is a fixed-width symbolic numeric value.
type Number struct {
	ordinals [OrdinalCount]uint32 // lower 20 bits used per ordinal
	signs    uint16               // lower 12 bits used, 1 = negative
	checksum uint8                // lower 4 bits used
}

// Zero returns the zero Number with a valid checksum.
func Zero() Number {
	var n Number
	n.checksum = n.computeChecksum()
	return n
}

// One returns the Number with real component 1.
func One() Number {
	var n Number
	n.ordinals[OrdinalReal] = 1
	n.checksum = n.computeChecksum()
	return n
}

// FromUint64 spreads v across the low ordinal components, 20 bits per
// ordinal. It is the canonical way to mint identifier Numbers from
// monotonic counters.
func FromUint64(v uint64) Number {
	var n Number
	for i := 0; v != 0 && i < OrdinalCount; i++ {
		n.ordinals[i] = uint32(v & OrdinalMax)
		v >>= 20
	}
	n.checksum = n.computeChecksum()
	return n
}

// Ordinal returns the value of the ordinal component at index i, or 0 if i
// is out of range.
func (n Number) Ordinal(i int) uint32 {
	if i < 0 || i >= OrdinalCount {
		return 0
	}
	return n.ordinals[i] & OrdinalMax
}

// SetOrdinal returns a copy of n with ordinal i set to v.
func (n Number) SetOrdinal(i int, v uint32) (Number, error) {
	if i < 0 || i >= OrdinalCount {
		return n, ErrInvalidOrdinal
	}
	if v > OrdinalMax {
		return n, ErrOverflow
	}
	n.ordinals[i] = v & OrdinalMax
	n.checksum = n.computeChecksum()
	return n, nil
}

// Sign reports whether ordinal i is negative.
func (n Number) Sign(i int) bool {
	if i < 0 || i >= OrdinalCount {
		return false
	}
	return n.signs&(1<<uint(i)) != 0
}

// SetSign returns a copy of n with the sign of ordinal i set.
func (n Number) SetSign(i int, negative bool) (Number, error) {
	if i < 0 || i >= OrdinalCount {
		return n, ErrInvalidOrdinal
	}
	if negative {
		n.signs |= 1 << uint(i)
	} else {
		n.signs &^= 1 << uint(i)
	}
	n.checksum = n.computeChecksum()
	return n, nil
}

// Add returns a + b with component-wise signed magnitude arithmetic.
func Add(a, b Number) (Number, error) {
	if !a.VerifyChecksum() || !b.VerifyChecksum() {
		return Number{}, ErrChecksumMismatch
	}

	var out Number
	for i := 0; i < OrdinalCount; i++ {
		va, vb := a.Ordinal(i), b.Ordinal(i)
		sa, sb := a.Sign(i), b.Sign(i)

		var sum uint64
		var neg bool
		if sa == sb {
			sum = uint64(va) + uint64(vb)
			neg = sa
		} else if va >= vb {
			sum = uint64(va - vb)
			neg = sa
		} else {
			sum = uint64(vb - va)
			neg = sb
		}
		if sum > OrdinalMax {
			return Number{}, ErrOverflow
		}
		out.ordinals[i] = uint32(sum)
		if neg && sum != 0 {
			out.signs |= 1 << uint(i)
		}
	}
	out.checksum = out.computeChecksum()
	return out, nil
}

// Sub returns a - b.
func Sub(a, b Number) (Number, error) {
	b.signs ^= 0xFFF
	b.checksum = b.computeChecksum()
	return Add(a, b)
}

// Mul returns a * b on the real components. Cross-ordinal products are a
// symbolic-layer concern and are not performed here.
func Mul(a, b Number) (Number, error) {
	if !a.VerifyChecksum() || !b.VerifyChecksum() {
		return Number{}, ErrChecksumMismatch
	}
	product := uint64(a.Ordinal(OrdinalReal)) * uint64(b.Ordinal(OrdinalReal))
	if product > OrdinalMax {
		return Number{}, ErrOverflow
	}
	var out Number
	out.ordinals[OrdinalReal] = uint32(product)
	if (a.Sign(OrdinalReal) != b.Sign(OrdinalReal)) && product != 0 {
		out.signs |= 1 << OrdinalReal
	}
	out.checksum = out.computeChecksum()
	return out, nil
}

// Div returns a / b on the real components.
func Div(a, b Number) (Number, error) {
	if !a.VerifyChecksum() || !b.VerifyChecksum() {
		return Number{}, ErrChecksumMismatch
	}
	if b.IsZero() || b.Ordinal(OrdinalReal) == 0 {
		return Number{}, ErrDivisionByZero
	}
	quotient := a.Ordinal(OrdinalReal) / b.Ordinal(OrdinalReal)
	var out Number
	out.ordinals[OrdinalReal] = quotient
	if (a.Sign(OrdinalReal) != b.Sign(OrdinalReal)) && quotient != 0 {
		out.signs |= 1 << OrdinalReal
	}
	out.checksum = out.computeChecksum()
	return out, nil
}

// Compare orders two Numbers by their real components. It returns -1, 0 or
// +1. Non-real ordinals do not participate in ordering.
func Compare(a, b Number) int {
	av := int64(a.Ordinal(OrdinalReal))
	if a.Sign(OrdinalReal) {
		av = -av
	}
	bv := int64(b.Ordinal(OrdinalReal))
	if b.Sign(OrdinalReal) {
		bv = -bv
	}
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// Equals reports bit-exact equality of two Numbers.
func Equals(a, b Number) bool { return a == b }

// IsZero reports whether every ordinal component is zero.
func (n Number) IsZero() bool {
	for i := 0; i < OrdinalCount; i++ {
		if n.ordinals[i] != 0 {
			return false
		}
	}
	return true
}

// VerifyChecksum reports whether the stored checksum matches the content.
func (n Number) VerifyChecksum() bool {
	return n.computeChecksum() == n.checksum&0xF
}

func (n Number) computeChecksum() uint8 {
	var sum uint32
	for i := 0; i < OrdinalCount; i++ {
		sum ^= n.ordinals[i] & OrdinalMax
	}
	sum ^= uint32(n.signs & 0xFFF)
	// Fold to 4 bits.
	sum = (sum >> 16) ^ (sum & 0xFFFF)
	sum = (sum >> 8) ^ (sum & 0xFF)
	sum = (sum >> 4) ^ (sum & 0xF)
	return uint8(sum & 0xF)
}

// String renders the real and imaginary components, e.g. "3", "-2i", "3+4i".
func (n Number) String() string {
	real := n.Ordinal(OrdinalReal)
	imag := n.Ordinal(OrdinalI)
	realSign, imagSign := "", "+"
	if n.Sign(OrdinalReal) {
		realSign = "-"
	}
	if n.Sign(OrdinalI) {
		imagSign = "-"
	}
	switch {
	case imag == 0:
		return fmt.Sprintf("%s%d", realSign, real)
	case real == 0:
		sign := ""
		if n.Sign(OrdinalI) {
			sign = "-"
		}
		return fmt.Sprintf("%s%di", sign, imag)
	default:
		return fmt.Sprintf("%s%d%s%di", realSign, real, imagSign, imag)
	}
}
