package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate = validator.New()

	tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

	riskLevels       = map[string]bool{"conservative": true, "moderate": true, "aggressive": true}
	experienceLevels = map[string]bool{"beginner": true, "intermediate": true, "advanced": true}
	interactionKinds = map[string]bool{"INVESTED_IN": true, "INTERESTED_IN": true, "RESEARCHED": true}
	messageRoles     = map[string]bool{"user": true, "assistant": true}
)

// ValidationError represents a validation error with field and message
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}

func init() {
	mustRegister("ticker", validateTicker)
	mustRegister("risk", oneOf(riskLevels))
	mustRegister("experience", oneOf(experienceLevels))
	mustRegister("kind", oneOf(interactionKinds))
	mustRegister("role", oneOf(messageRoles))
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// validateTicker validates ticker symbol format
func validateTicker(fl validator.FieldLevel) bool {
	ticker, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return tickerPattern.MatchString(ticker)
}

// oneOf accepts string fields whose value is in the allowed set. Named
// string types (models.RiskTolerance etc.) are read through reflection.
func oneOf(allowed map[string]bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return allowed[fl.Field().String()]
	}
}

// IsTicker reports whether s is a well-formed ticker symbol.
func IsTicker(s string) bool {
	return tickerPattern.MatchString(s)
}

// ValidateStruct validates a struct using tags
func ValidateStruct(s interface{}) ValidationErrors {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Field: "", Message: err.Error()}}
	}

	var out ValidationErrors
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Message: getErrorMessage(fe.Field(), fe.Tag(), fe.Param()),
			Value:   fe.Value(),
		})
	}
	return out
}

// getErrorMessage returns a user-friendly error message
func getErrorMessage(field, tag, param string) string {
	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "ticker":
		return fmt.Sprintf("%s must be a valid ticker symbol (1-10 uppercase letters/numbers)", field)
	case "risk":
		return fmt.Sprintf("%s must be one of conservative, moderate, aggressive", field)
	case "experience":
		return fmt.Sprintf("%s must be one of beginner, intermediate, advanced", field)
	case "kind":
		return fmt.Sprintf("%s must be one of INVESTED_IN, INTERESTED_IN, RESEARCHED", field)
	case "role":
		return fmt.Sprintf("%s must be user or assistant", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

// SanitizeString removes control characters and surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 { // Keep tab, newline, carriage return
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// NormalizeSymbol upper-cases a symbol and strips a leading cashtag.
func NormalizeSymbol(s string) string {
	s = strings.TrimPrefix(SanitizeString(s), "$")
	return strings.ToUpper(s)
}
