package validator

import (
	"fmt"
	"strings"
	"sync"

	playground "github.com/go-playground/validator/v10"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
	ValidateEmail(email string) error
}

type validator struct {
	v *playground.Validate
}

var (
	defaultOnce sync.Once
	defaultV    Validator
)

func New() Validator {
	v := playground.New()
	v.SetTagName("validate")
	return &validator{v: v}
}

// Default returns a process-wide validator; playground caches struct metadata.
func Default() Validator {
	defaultOnce.Do(func() { defaultV = New() })
	return defaultV
}

func (v *validator) Validate(obj interface{}) error {
	if err := v.v.Struct(obj); err != nil {
		return humanize(err)
	}
	return nil
}

func (v *validator) ValidateEmail(email string) error {
	if err := v.v.Var(email, "required,email"); err != nil {
		return fmt.Errorf("invalid email %q", email)
	}
	return nil
}

func humanize(err error) error {
	verrs, ok := err.(playground.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "email":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid email", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
