// Package validate checks login and registration forms before they are sent.
package validate

import (
	"regexp"
	"strings"
)

const (
	MessageEmailRequired    = "email is required"
	MessageEmailInvalid     = "enter a valid email address"
	MessagePasswordRequired = "password is required"
	MessagePasswordMismatch = "passwords do not match"
	MessageNameRequired     = "name is required"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type LoginForm struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegistrationForm struct {
	Nom             string `json:"nom"`
	Prenom          string `json:"prenom,omitempty"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"-"`
	Niveau          string `json:"niveau,omitempty"`
	Langue          string `json:"langue,omitempty"`
}

// Errors maps a form field to the message describing what is wrong with it.
// An empty map means the form is valid.
type Errors map[string]string

func (e Errors) Valid() bool { return len(e) == 0 }

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ValidEmail(email string) bool {
	return email != "" && emailPattern.MatchString(email)
}

func ValidateLogin(form LoginForm) Errors {
	errs := Errors{}
	checkEmail(errs, form.Email)
	if form.Password == "" {
		errs["password"] = MessagePasswordRequired
	}
	return errs
}

func ValidateRegistration(form RegistrationForm) Errors {
	errs := Errors{}
	if strings.TrimSpace(form.Nom) == "" {
		errs["nom"] = MessageNameRequired
	}
	checkEmail(errs, form.Email)
	if form.Password == "" {
		errs["password"] = MessagePasswordRequired
	}
	if form.Password == "" || form.Password != form.ConfirmPassword {
		errs["confirm_password"] = MessagePasswordMismatch
	}
	return errs
}

func checkEmail(errs Errors, email string) {
	clean := NormalizeEmail(email)
	switch {
	case clean == "":
		errs["email"] = MessageEmailRequired
	case !ValidEmail(clean):
		errs["email"] = MessageEmailInvalid
	}
}
