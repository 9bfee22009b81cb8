// Copyright 2025 The ratesim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dtype defines the closed set of data types a compiled graph
// can carry and the rules to reconcile them.
package dtype

import "github.com/pkg/errors"

// DataType is the type of the elements stored in a tensor.
type DataType int

// Data types supported by the backend.
const (
	Invalid DataType = iota
	Bool
	Int16
	Int32
	Int64
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
)

var names = map[DataType]string{
	Invalid:    "invalid",
	Bool:       "bool",
	Int16:      "int16",
	Int32:      "int32",
	Int64:      "int64",
	Uint16:     "uint16",
	Uint32:     "uint32",
	Uint64:     "uint64",
	Float16:    "float16",
	Float32:    "float32",
	Float64:    "float64",
	Complex64:  "complex64",
	Complex128: "complex128",
}

// String returns the name of the data type.
func (dt DataType) String() string {
	s, ok := names[dt]
	if !ok {
		return "unknown"
	}
	return s
}

// Parse returns the data type given its name.
func Parse(s string) (DataType, error) {
	for dt, name := range names {
		if name == s && dt != Invalid {
			return dt, nil
		}
	}
	return Invalid, errors.Errorf("invalid data type: %s", s)
}

// IsFloat reports whether the data type is a floating point type.
func (dt DataType) IsFloat() bool {
	return dt == Float16 || dt == Float32 || dt == Float64
}

// IsInteger reports whether the data type is a signed or unsigned integer type.
func (dt DataType) IsInteger() bool {
	switch dt {
	case Int16, Int32, Int64, Uint16, Uint32, Uint64:
		return true
	}
	return false
}

// IsComplex reports whether the data type is a complex type.
func (dt DataType) IsComplex() bool {
	return dt == Complex64 || dt == Complex128
}

// IsNumeric reports whether the data type supports arithmetic.
func (dt DataType) IsNumeric() bool {
	return dt.IsFloat() || dt.IsInteger() || dt.IsComplex()
}

// rank orders data types for unification. A higher rank wins.
func rank(dt DataType) int {
	switch dt {
	case Bool:
		return 0
	case Int16, Uint16:
		return 1
	case Int32, Uint32:
		return 2
	case Int64, Uint64:
		return 3
	case Float16:
		return 4
	case Float32:
		return 5
	case Float64:
		return 6
	case Complex64:
		return 7
	case Complex128:
		return 8
	}
	return -1
}

// Unify returns the common data type two operands are promoted to
// before a binary operation is applied. Promotion always widens: the
// operand with the smaller rank is cast towards the other.
func Unify(a, b DataType) (DataType, error) {
	if a == Invalid || b == Invalid {
		return Invalid, errors.Errorf("cannot unify invalid data type")
	}
	if a == b {
		return a, nil
	}
	if rank(a) >= rank(b) {
		return a, nil
	}
	return b, nil
}
