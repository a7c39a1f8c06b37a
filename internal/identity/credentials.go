package identity

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Credentials is an e-mail/password pair submitted to sign in.
type Credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SignUpRequest is the payload submitted to create an account.
type SignUpRequest struct {
	Email           string `json:"email" validate:"required,email,max=255"`
	Password        string `json:"password" validate:"required,min=8,max=128,password_strength"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// Credentials returns the sign-in pair embedded in the request.
func (r SignUpRequest) Credentials() Credentials {
	return Credentials{Email: r.Email, Password: r.Password}
}

// ValidationError maps request fields to human-readable problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "identity: invalid request: " + strings.Join(parts, "; ")
}

var (
	hasUpper = regexp.MustCompile(`[A-Z]`)
	hasLower = regexp.MustCompile(`[a-z]`)
	hasDigit = regexp.MustCompile(`[0-9]`)

	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("password_strength", func(fl validator.FieldLevel) bool {
			return passwordStrengthProblem(fl.Field().String()) == ""
		})
	})
	return validate
}

func passwordStrengthProblem(pw string) string {
	switch {
	case !hasUpper.MatchString(pw):
		return "Password must contain an uppercase letter"
	case !hasLower.MatchString(pw):
		return "Password must contain a lowercase letter"
	case !hasDigit.MatchString(pw):
		return "Password must contain a number"
	}
	return ""
}

// Normalize trims the e-mail address.
func (c *Credentials) Normalize() {
	c.Email = strings.TrimSpace(c.Email)
}

// Validate checks that both fields are present.
func (c Credentials) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return &ValidationError{Fields: map[string]string{"form": "Please fill in all fields"}}
	}
	return nil
}

// Normalize trims the e-mail address.
func (r *SignUpRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
}

// Validate enforces the sign-up rules for e-mail and password.
func (r SignUpRequest) Validate() error {
	err := validatorInstance().Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := &ValidationError{Fields: map[string]string{}}
	for _, fe := range fieldErrs {
		field := jsonName(fe.Field())
		if _, seen := out.Fields[field]; seen {
			continue
		}
		out.Fields[field] = signUpMessage(fe, r.Password)
	}
	return out
}

func jsonName(field string) string {
	switch field {
	case "Email":
		return "email"
	case "Password":
		return "password"
	case "ConfirmPassword":
		return "confirm_password"
	}
	return strings.ToLower(field)
}

func signUpMessage(fe validator.FieldError, password string) string {
	switch fe.Field() {
	case "Email":
		if fe.Tag() == "max" {
			return "Email must be less than 255 characters"
		}
		return "Invalid email address"
	case "Password":
		switch fe.Tag() {
		case "required", "min":
			return "Password must be at least 8 characters"
		case "max":
			return "Password must be less than 128 characters"
		case "password_strength":
			return passwordStrengthProblem(password)
		}
	case "ConfirmPassword":
		return "Passwords don't match"
	}
	return "is invalid"
}
