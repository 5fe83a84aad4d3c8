// Package validation provides input validation for the escrow API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paylance/escrowd/internal/amount"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

var (
	// Ledger accounts are either base58 public keys (Solana-style,
	// 32-44 chars) or 0x-prefixed hex addresses (EVM-style).
	base58AccountRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	hexAccountRegex    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	currencyRegex = regexp.MustCompile(`^[A-Za-z]{2,10}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccount checks whether s looks like a ledger account identifier.
func IsValidAccount(s string) bool {
	return base58AccountRegex.MatchString(s) || hexAccountRegex.MatchString(s)
}

// IsValidCurrency checks whether s looks like a currency symbol.
func IsValidCurrency(s string) bool {
	return currencyRegex.MatchString(s)
}

// Error represents a single field validation failure.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of validation failures.
type Errors []Error

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return strings.Join(msgs, "; ")
}

// Check is a single validation to run through Validate.
type Check func() *Error

// Validate runs all checks and collects failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// ValidAccount checks a ledger account field.
func ValidAccount(field, value string) Check {
	return func() *Error {
		if !IsValidAccount(value) {
			return &Error{Field: field, Message: "must be a valid ledger account"}
		}
		return nil
	}
}

// ValidAmount checks that a decimal amount field parses and is positive.
func ValidAmount(field, value, currency string) Check {
	return func() *Error {
		if !amount.Positive(value, currency) {
			return &Error{Field: field, Message: "must be a positive decimal amount"}
		}
		return nil
	}
}

// ValidCurrency checks a currency symbol field.
func ValidCurrency(field, value string) Check {
	return func() *Error {
		if !IsValidCurrency(value) {
			return &Error{Field: field, Message: "must be a currency symbol (2-10 letters)"}
		}
		return nil
	}
}
