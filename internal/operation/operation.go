// Package operation evaluates buy/sell instructions against an execution
// price: gross value, tax, total value, and the signed balance delta.
//
// Evaluation is pure. Solvency depends on the fund's current balance, so it
// is checked separately by the caller with CheckSolvency before committing.
//
// All monetary values use shopspring/decimal, never float64.
package operation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/model"
)

var (
	// ErrInvalidOperation is returned for an operation type outside {BUY, SELL}.
	ErrInvalidOperation = errors.New("operation: invalid operation type")

	// ErrInvalidPrice is returned when the quoted price is not positive.
	ErrInvalidPrice = errors.New("operation: invalid asset price")

	// ErrInvalidQuantity is returned when the quantity is not positive.
	ErrInvalidQuantity = errors.New("operation: quantity must be positive")

	// ErrInsufficientFunds is returned when a buy costs more than the
	// available balance.
	ErrInsufficientFunds = errors.New("operation: insufficient cash for buy")

	// BuyTaxRate is charged on the gross value of a buy (0.5%).
	BuyTaxRate = decimal.RequireFromString("0.005")

	// SellTaxRate is withheld from the gross value of a sell (0.3%).
	SellTaxRate = decimal.RequireFromString("0.003")
)

// Result is the outcome of evaluating one operation at one price.
type Result struct {
	Type  string
	Price decimal.Decimal
	Gross decimal.Decimal
	Tax   decimal.Decimal

	// TotalValue is the total cost of a buy (gross + tax) or the net
	// proceeds of a sell (gross - tax).
	TotalValue decimal.Decimal

	// Delta is the signed change to the fund balance: -TotalValue for a
	// buy, +TotalValue for a sell.
	Delta decimal.Decimal
}

// Evaluate prices an operation. It has no side effects.
func Evaluate(opType string, quantity int64, price decimal.Decimal) (Result, error) {
	if !price.IsPositive() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	if quantity <= 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}

	gross := decimal.NewFromInt(quantity).Mul(price)

	switch opType {
	case model.Buy:
		tax := gross.Mul(BuyTaxRate)
		total := gross.Add(tax)
		return Result{
			Type:       opType,
			Price:      price,
			Gross:      gross,
			Tax:        tax,
			TotalValue: total,
			Delta:      total.Neg(),
		}, nil

	case model.Sell:
		tax := gross.Mul(SellTaxRate)
		net := gross.Sub(tax)
		return Result{
			Type:       opType,
			Price:      price,
			Gross:      gross,
			Tax:        tax,
			TotalValue: net,
			Delta:      net,
		}, nil
	}

	return Result{}, fmt.Errorf("%w: %q", ErrInvalidOperation, opType)
}

// CheckSolvency reports ErrInsufficientFunds when applying r to balance
// would take it below zero. Sells always pass.
func CheckSolvency(balance decimal.Decimal, r Result) error {
	if r.Type != model.Buy {
		return nil
	}
	if balance.LessThan(r.TotalValue) {
		return fmt.Errorf("%w: available %s, required %s", ErrInsufficientFunds, balance, r.TotalValue)
	}
	return nil
}

// IsDomainError reports whether err is a deterministic domain failure that
// would fail again on retry with the same inputs.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInsufficientFunds)
}
