package schema

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/relaymq/relay-go/contracts"
)

// Rule checks one constraint against a message and returns a violation if
// the constraint does not hold.
type Rule func(msg contracts.Message) *contracts.Violation

// Validator validates messages before they reach the transport. Violations
// short-circuit the send and classify as non-retryable.
type Validator interface {
	// Validate returns nil or a *contracts.ValidationError listing every violation
	Validate(msg contracts.Message) error
}

// RuleValidator validates messages against rule sets registered per type tag.
// Messages whose type has no registered rules pass by default.
type RuleValidator struct {
	rules map[string][]Rule
	mu    sync.RWMutex
}

// NewRuleValidator creates an empty rule validator
func NewRuleValidator() *RuleValidator {
	return &RuleValidator{
		rules: make(map[string][]Rule),
	}
}

// RegisterRules appends rules for a message type tag
func (v *RuleValidator) RegisterRules(typeTag string, rules ...Rule) error {
	if typeTag == "" {
		return fmt.Errorf("type tag cannot be empty")
	}
	if len(rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[typeTag] = append(v.rules[typeTag], rules...)
	return nil
}

// Validate implements Validator. All rules run so the caller sees the full
// list of violations, not just the first.
func (v *RuleValidator) Validate(msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	v.mu.RLock()
	rules := v.rules[msg.GetType()]
	v.mu.RUnlock()

	var violations []contracts.Violation
	for _, rule := range rules {
		if violation := rule(msg); violation != nil {
			violations = append(violations, *violation)
		}
	}

	if len(violations) > 0 {
		return &contracts.ValidationError{
			MessageID:  msg.GetID(),
			Violations: violations,
		}
	}
	return nil
}

// StringField extracts a string field from a concrete message type.
type StringField func(msg contracts.Message) string

// NumberField extracts a numeric field from a concrete message type.
type NumberField func(msg contracts.Message) float64

// NotBlank requires a non-empty, non-whitespace string field
func NotBlank(field string, get StringField) Rule {
	return func(msg contracts.Message) *contracts.Violation {
		if strings.TrimSpace(get(msg)) == "" {
			return &contracts.Violation{Field: field, Message: "cannot be blank"}
		}
		return nil
	}
}

// Matches requires a string field to match a pattern
func Matches(field string, pattern *regexp.Regexp, message string, get StringField) Rule {
	return func(msg contracts.Message) *contracts.Violation {
		if !pattern.MatchString(get(msg)) {
			return &contracts.Violation{Field: field, Message: message}
		}
		return nil
	}
}

// Positive requires a numeric field to be strictly greater than zero
func Positive(field string, get NumberField) Rule {
	return func(msg contracts.Message) *contracts.Violation {
		if get(msg) <= 0 {
			return &contracts.Violation{Field: field, Message: "must be positive"}
		}
		return nil
	}
}

// Different requires two string fields to differ
func Different(fieldA, fieldB string, getA, getB StringField) Rule {
	return func(msg contracts.Message) *contracts.Violation {
		a, b := getA(msg), getB(msg)
		if a != "" && a == b {
			return &contracts.Violation{
				Field:   fieldB,
				Message: fmt.Sprintf("must differ from %s", fieldA),
			}
		}
		return nil
	}
}

var (
	// CurrencyPattern matches 3-letter uppercase ISO 4217 codes
	CurrencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

	// EmailPattern is a pragmatic email shape check, not full RFC 5322
	EmailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)
