// Package validation checks tool and request arguments before they reach
// the policy, and caps request body size.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/identity"
)

// MaxRequestSize bounds request bodies. The largest body is an evaluate
// request with a full batch of contexts.
const MaxRequestSize = 256 << 10

// LimitBody caps the request body at max bytes. Reads past the cap fail.
func LimitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// FieldError is one rejected argument.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors lists rejected arguments in check order.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Err returns e as an error, or nil when nothing was rejected.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

type rule func(value string) string

// Field collects the rules of one argument. Optional values skip every rule
// while empty.
type Field struct {
	name     string
	value    string
	required bool
	rules    []rule
}

// Arg starts the rules of argument name.
func Arg(name, value string) *Field {
	return &Field{name: name, value: value}
}

// Required rejects an empty or blank value.
func (f *Field) Required() *Field {
	f.required = true
	return f
}

// Address accepts a G... account or C... contract address.
func (f *Field) Address() *Field {
	return f.with(func(v string) string {
		if _, err := identity.ParseAddress(v); err != nil {
			return "must be a valid G... or C... address"
		}
		return ""
	})
}

// SignerKey accepts a canonical signer key.
func (f *Field) SignerKey() *Field {
	return f.with(func(v string) string {
		if _, err := identity.ParseSignerKey(v); err != nil {
			return "must be a signer key (policy:<address>, ed25519:<hex> or secp256r1:<hex>)"
		}
		return ""
	})
}

// Amount accepts a non-negative i128 in base units.
func (f *Field) Amount() *Field {
	return f.with(func(v string) string {
		n, ok := amount.Parse(v)
		switch {
		case !ok:
			return "must be an integer amount in base units"
		case n.Sign() < 0:
			return "must not be negative"
		}
		return ""
	})
}

// MaxLen rejects values longer than n bytes.
func (f *Field) MaxLen(n int) *Field {
	return f.with(func(v string) string {
		if len(v) > n {
			return "exceeds maximum length"
		}
		return ""
	})
}

func (f *Field) with(r rule) *Field {
	f.rules = append(f.rules, r)
	return f
}

func (f *Field) check() *FieldError {
	if strings.TrimSpace(f.value) == "" {
		if f.required {
			return &FieldError{Field: f.name, Message: "is required"}
		}
		return nil
	}
	for _, r := range f.rules {
		if msg := r(f.value); msg != "" {
			return &FieldError{Field: f.name, Message: msg}
		}
	}
	return nil
}

// Check reports the first failing rule of every field.
func Check(fields ...*Field) Errors {
	var errs Errors
	for _, f := range fields {
		if fe := f.check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}
