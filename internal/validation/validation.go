// Package validation checks and normalizes API input: addresses, hashes,
// free text and finding metadata.
package validation

import (
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength caps free-text fields such as reasons and descriptions.
const MaxStringLength = 1000

// Metadata limits for externally submitted findings.
const (
	MaxMetadataEntries = 32
	maxMetadataKey     = 64
)

var (
	addressRegex     = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txHashRegex      = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	metadataKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects routes whose :address parameter is not a
// 0x-prefixed 20-byte hex address.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be 0x followed by 40 hex characters",
			})
			return
		}
		c.Next()
	}
}

// IsValidAddress reports whether s is a 0x-prefixed trader or contract address.
func IsValidAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// IsValidTxHash reports whether s is a 0x-prefixed 32-byte transaction hash.
func IsValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// SanitizeString trims whitespace, drops null bytes and invalid UTF-8, and
// truncates to at most maxLen bytes without splitting a character.
func SanitizeString(s string, maxLen int) string {
	s = strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

// SanitizeAddress lowercases an address and restores a missing 0x prefix.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Add appends an error for field.
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// Abort responds 400 with every error in e.
func Abort(c *gin.Context, e ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": e.Error(),
		"details": e,
	})
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is not blank.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks that a non-empty field is an address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidAddress(SanitizeAddress(value)) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be 0x followed by 40 hex characters"}
	}
}

// ValidTxHash checks that a non-empty field is a transaction hash.
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidTxHash(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be a 0x-prefixed 32-byte hex hash"}
	}
}

// MaxLength checks that a field is at most max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length of " + strconv.Itoa(max)}
		}
		return nil
	}
}

// OneOf checks that a non-empty field is one of allowed, case-insensitively.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !slices.Contains(allowed, strings.ToLower(strings.TrimSpace(value))) {
			return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
		}
		return nil
	}
}

// Metadata checks the entry count and key format of a finding's metadata.
func Metadata(field string, m map[string]string) func() *ValidationError {
	return func() *ValidationError {
		if len(m) > MaxMetadataEntries {
			return &ValidationError{Field: field, Message: "at most " + strconv.Itoa(MaxMetadataEntries) + " entries allowed"}
		}
		for k := range m {
			if len(k) > maxMetadataKey || !metadataKeyRegex.MatchString(k) {
				return &ValidationError{Field: field + "." + k, Message: "keys must be 1-64 letters, digits, '_', '.' or '-'"}
			}
		}
		return nil
	}
}
