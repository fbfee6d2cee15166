package visitor

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"visitorlog/db"
)

const (
	MaxFieldLen     = 255
	MaxUserAgentLen = 1000
)

// RawSubmission is the request body as sent. Fields are untyped so that a
// number or object in place of a string is treated as missing instead of
// failing the whole decode.
type RawSubmission struct {
	FirstName interface{} `json:"firstName"`
	Company   interface{} `json:"company"`
	Role      interface{} `json:"role"`
	UserAgent interface{} `json:"userAgent"`
}

type requiredFields struct {
	FirstName string `json:"firstName" validate:"required,max=255"`
	Company   string `json:"company" validate:"required,max=255"`
	Role      string `json:"role" validate:"required,max=255"`
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks the required fields after stripping NUL bytes and
// surrounding whitespace, but before any truncation, so oversized values are
// reported rather than cut. It returns every violation, in field order.
func Validate(raw RawSubmission) []string {
	err := validate.Struct(requiredFields{
		FirstName: clean(raw.FirstName),
		Company:   clean(raw.Company),
		Role:      clean(raw.Role),
	})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			details = append(details, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			details = append(details, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			details = append(details, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return details
}

// Sanitize converts a validated submission into the values handed to the store.
func Sanitize(raw RawSubmission) db.NewVisitor {
	return db.NewVisitor{
		FirstName: SanitizeField(raw.FirstName, MaxFieldLen),
		Company:   SanitizeField(raw.Company, MaxFieldLen),
		Role:      SanitizeField(raw.Role, MaxFieldLen),
		UserAgent: SanitizeField(raw.UserAgent, MaxUserAgentLen),
	}
}

// SanitizeField returns "" for non-strings; otherwise strips NUL bytes,
// trims whitespace and truncates to max characters.
func SanitizeField(v interface{}, max int) string {
	return truncate(clean(v), max)
}

func clean(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
