package tools

import (
	"context"

	"github.com/aschepis/backscratcher/chatgw/history"
)

// Budget is the context budget of one request. Tools that return bulk text
// cut their output to it.
type Budget struct {
	MaxTokens int
	Tokenizer history.Tokenizer
}

type budgetKey struct{}

// WithBudget attaches b to ctx for the tools invoked under it.
func WithBudget(ctx context.Context, b Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// BudgetFrom returns the budget attached to ctx, if any.
func BudgetFrom(ctx context.Context) (Budget, bool) {
	b, ok := ctx.Value(budgetKey{}).(Budget)
	return b, ok
}
