package main

import (
	"context"

	"github.com/pkg/errors"
)

// calc is the demo service exported as calc#v1.
type calc struct{}

func (c *calc) Add(a, b int) (int, error) { return a + b, nil }

func (c *calc) Sub(a, b int) (int, error) { return a - b, nil }

func (c *calc) Mul(a, b int) (int, error) { return a * b, nil }

var errDivideByZero = errors.New("divide by zero")

func (c *calc) Div(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return a / b, nil
}
