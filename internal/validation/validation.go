// Package validation checks request fields and bounds request bodies for
// the marketplace API.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// MaxStringLength bounds free-text fields.
const MaxStringLength = 2000

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func isHex(s string, n int) bool {
	if len(s) != 2+n || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	for _, r := range s[2:] {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f' || 'A' <= r && r <= 'F') {
			return false
		}
	}
	return true
}

// IsValidAddress reports whether addr is a 0x-prefixed 20-byte hex address.
// Case is not checked; addresses are stored lowercased.
func IsValidAddress(addr string) bool {
	return isHex(addr, 2*common.AddressLength)
}

// IsValidTxHash reports whether h is a 0x-prefixed 32-byte hex hash.
func IsValidTxHash(h string) bool {
	return isHex(h, 2*common.HashLength)
}

// SanitizeString trims whitespace, strips NUL bytes and caps the length.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError is one failed check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects failed checks in the order they ran.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *FieldError

// Validate runs every rule and collects the failures. Only the first
// failure per field is kept.
func Validate(rules ...Rule) Errors {
	var errs Errors
	seen := map[string]bool{}
	for _, r := range rules {
		fe := r()
		if fe == nil || seen[fe.Field] {
			continue
		}
		seen[fe.Field] = true
		errs = append(errs, *fe)
	}
	return errs
}

// Respond writes a 400 listing errs and aborts. It returns false when errs
// is empty so handlers can write `if validation.Respond(c, errs) { return }`.
func Respond(c *gin.Context, errs Errors) bool {
	if len(errs) == 0 {
		return false
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
	return true
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an optional address field.
func ValidAddress(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidAddress(value) {
			return &FieldError{Field: field, Message: "must be a 0x-prefixed 20-byte hex address"}
		}
		return nil
	}
}

// ValidTxHash checks an optional transaction hash field.
func ValidTxHash(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidTxHash(value) {
			return &FieldError{Field: field, Message: "must be a 0x-prefixed 32-byte hex hash"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive rejects zero and negative integers.
func Positive(field string, value int64) Rule {
	return func() *FieldError {
		if value <= 0 {
			return &FieldError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects a malformed :address URL parameter.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a 0x-prefixed 20-byte hex address",
			})
			return
		}
		c.Next()
	}
}
