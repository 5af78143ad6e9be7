package tool

import (
	"context"
	"math"

	"toolgate/internal/domain"
)

// Arithmetic is one of the four local math capabilities.
type Arithmetic struct {
	op string
}

var arithmeticNames = map[string]string{
	"add":      "addition",
	"subtract": "subtraction",
	"multiply": "multiplication",
	"divide":   "division",
}

// NewArithmetic returns the capability for op: add, subtract, multiply or
// divide.
func NewArithmetic(op string) *Arithmetic {
	return &Arithmetic{op: op}
}

// MathCapabilities returns all four arithmetic capabilities.
func MathCapabilities() []Capability {
	return []Capability{
		NewArithmetic("add"),
		NewArithmetic("subtract"),
		NewArithmetic("multiply"),
		NewArithmetic("divide"),
	}
}

func (a *Arithmetic) Descriptor() domain.Descriptor {
	return domain.Descriptor{
		ID:          "math_" + a.op,
		Path:        "/api/math/" + a.op,
		Family:      "math",
		Description: "Compute the " + arithmeticNames[a.op] + " of two numbers.",
		Input: domain.Schema{Fields: []domain.Field{
			{Name: "operation", Type: domain.TypeString, Description: "Optional; must match the endpoint operation", Enum: []string{a.op}},
			{Name: "a", Type: domain.TypeNumber, Description: "First operand", Required: true},
			a.divisor(),
		}},
		Output: []string{"result", "operation", "inputs"},
	}
}

// divisor declares b. For divide the schema itself rejects zero, so
// /api/info advertises the same constraint the validator enforces.
func (a *Arithmetic) divisor() domain.Field {
	f := domain.Field{Name: "b", Type: domain.TypeNumber, Description: "Second operand", Required: true}
	if a.op == "divide" {
		f.Description = "Divisor, must be non-zero"
		f.Nonzero = true
		f.ZeroDetail = "division by zero"
	}
	return f
}

func (a *Arithmetic) Validate(req domain.ToolRequest) error { return nil }

func (a *Arithmetic) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	x, y := call.Request.Float("a"), call.Request.Float("b")

	var r float64
	switch a.op {
	case "add":
		r = x + y
	case "subtract":
		r = x - y
	case "multiply":
		r = x * y
	case "divide":
		if y == 0 {
			return nil, domain.Validationf("division by zero")
		}
		r = x / y
	default:
		return nil, domain.Internal(nil)
	}
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return nil, domain.Validationf("result of %s is out of range", arithmeticNames[a.op])
	}

	return map[string]any{
		"result":    r,
		"operation": arithmeticNames[a.op],
		"inputs":    []float64{x, y},
	}, nil
}
