package types

import (
	"encoding/json"
	"math/big"
	"reflect"
	"strconv"
)

// BigInt wraps *big.Int for wei-denominated amounts. JSON carries the
// decimal string form so 256-bit values survive parsers that would round
// them as floats.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps a *big.Int. A nil input stays nil.
func NewBigInt(i *big.Int) *BigInt {
	if i == nil {
		return nil
	}
	return &BigInt{Int: i}
}

// ParseBigInt parses a base-10 amount string.
func ParseBigInt(s string) (*BigInt, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &strconv.NumError{
			Func: "ParseBigInt",
			Num:  s,
			Err:  strconv.ErrSyntax,
		}
	}
	return &BigInt{Int: i}, nil
}

// MustParseBigInt is ParseBigInt for literals in tests and fixtures.
func MustParseBigInt(s string) *BigInt {
	b, err := ParseBigInt(s)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil || b.Int == nil {
		return []byte("null"), nil
	}
	return json.Marshal(b.Int.String())
}

// UnmarshalJSON accepts only the string form; bare JSON numbers are
// rejected because they cannot carry full 256-bit precision.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		b.Int = nil
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return &json.UnmarshalTypeError{
			Value:  string(data),
			Type:   reflect.TypeOf(""),
			Struct: "BigInt",
			Field:  "Int",
		}
	}

	i, ok := new(big.Int).SetString(str, 10)
	if !ok {
		return &json.UnmarshalTypeError{
			Value:  "string",
			Type:   reflect.TypeOf(big.Int{}),
			Struct: "BigInt",
			Field:  "Int",
		}
	}
	b.Int = i
	return nil
}

// ToBigInt unwraps to *big.Int for chain clients and pricing.
func (b *BigInt) ToBigInt() *big.Int {
	if b == nil {
		return nil
	}
	return b.Int
}

// String implements fmt.Stringer.
func (b *BigInt) String() string {
	if b == nil || b.Int == nil {
		return "<nil>"
	}
	return b.Int.String()
}

// SetString sets the value from a string in the given base.
func (b *BigInt) SetString(s string, base int) (*BigInt, bool) {
	if b.Int == nil {
		b.Int = new(big.Int)
	}
	if _, ok := b.Int.SetString(s, base); !ok {
		return nil, false
	}
	return b, true
}

// Clone returns an independent copy.
func (b *BigInt) Clone() *BigInt {
	if b == nil || b.Int == nil {
		return nil
	}
	return &BigInt{Int: new(big.Int).Set(b.Int)}
}

// value reads a possibly-nil operand as zero.
func (b *BigInt) value() *big.Int {
	if b == nil || b.Int == nil {
		return big.NewInt(0)
	}
	return b.Int
}

// ensure makes the receiver usable as an arithmetic destination.
func (b *BigInt) ensure() *BigInt {
	if b == nil {
		return &BigInt{Int: new(big.Int)}
	}
	if b.Int == nil {
		b.Int = new(big.Int)
	}
	return b
}

// Add stores x+y in b and returns b. Nil operands read as zero.
func (b *BigInt) Add(x, y *BigInt) *BigInt {
	b = b.ensure()
	b.Int.Add(x.value(), y.value())
	return b
}

// Sub stores x-y in b and returns b. Nil operands read as zero.
func (b *BigInt) Sub(x, y *BigInt) *BigInt {
	b = b.ensure()
	b.Int.Sub(x.value(), y.value())
	return b
}

// Mul stores x*y in b and returns b. Nil operands read as zero.
func (b *BigInt) Mul(x, y *BigInt) *BigInt {
	b = b.ensure()
	b.Int.Mul(x.value(), y.value())
	return b
}

// Cmp compares b and x, reading nil as zero.
func (b *BigInt) Cmp(x *BigInt) int {
	return b.value().Cmp(x.value())
}

func (b *BigInt) Equal(x *BigInt) bool {
	return b.Cmp(x) == 0
}

func (b *BigInt) Less(x *BigInt) bool {
	return b.Cmp(x) < 0
}

func (b *BigInt) Greater(x *BigInt) bool {
	return b.Cmp(x) > 0
}

// IsZero reports whether the value is absent or zero.
func (b *BigInt) IsZero() bool {
	return b == nil || b.Int == nil || b.Sign() == 0
}

// IsNegative reports whether a present value is below zero.
func (b *BigInt) IsNegative() bool {
	return b != nil && b.Int != nil && b.Sign() < 0
}
