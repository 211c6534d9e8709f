// Package seqnum defines the types and methods for RUDP sequence numbers.
// Sequence numbers are 8 bits wide and wrap modulo 256; all comparisons use
// a half-window convention so that ordering survives the wrap
package seqnum

// Value represents the value of a sequence number
type Value uint8

// Size represents the size (length) of a sequence number window
type Size uint8

// LessThan checks if v is before w, i.e., v < w. The comparison is performed
// modulo 256: v < w iff (w - v) mod 256 is in (0, 128]. Naive integer
// comparison must not be used because numbers wrap
func (v Value) LessThan(w Value) bool {
	d := uint8(w - v)
	return d > 0 && d <= 128
}

// LessThanEq returns true if v == w or v is before w
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange checks if v is in the range [a, b), i.e., a <= v < b, modulo 256
func (v Value) InRange(a, b Value) bool {
	return uint8(v-a) < uint8(b-a)
}

// InWindow checks if v is in the window that starts at 'first' and spans
// 'size' sequence numbers
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add calculates the sequence number following the [v, v + s) window
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size calculates the size of the window defined by [v, w)
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// UpdateForward updates v such that it becomes v + s
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}
