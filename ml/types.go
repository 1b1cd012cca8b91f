package ml

import (
	"fmt"
	"strings"
)

// DType is the storage type of a tensor.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// ParseDType resolves a dtype from its configuration name. The empty string
// selects float32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "f32", "float32":
		return DTypeF32, nil
	case "f16", "float16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i32", "int32":
		return DTypeI32, nil
	default:
		return 0, fmt.Errorf("ml: unknown dtype %q", s)
	}
}

// Size returns the storage size of one element in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}
