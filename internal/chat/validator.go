package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/lobby/internal/apperr"
)

const (
	MaxAuthorChars = 50
	MaxBodyChars   = 500 // hard ceiling; settings may lower it
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePost checks author and body. Lengths are counted in runes.
// maxBody <= 0 or above MaxBodyChars uses MaxBodyChars.
func ValidatePost(author, body string, maxBody int) error {
	if maxBody <= 0 || maxBody > MaxBodyChars {
		maxBody = MaxBodyChars
	}
	if err := checkField("author", author, MaxAuthorChars); err != nil {
		return err
	}
	return checkField("body", body, maxBody)
}

func checkField(name, value string, limit int) error {
	if !utf8.ValidString(value) {
		return apperr.Validation(name + " contains invalid UTF-8")
	}
	err := validate.Var(strings.TrimSpace(value), "required")
	if err == nil {
		err = validate.Var(value, fmt.Sprintf("max=%d", limit))
	}
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return apperr.Validation(name + " is required")
		case "max":
			return apperr.Validation(fmt.Sprintf("%s exceeds %d characters", name, limit))
		}
	}
	return apperr.Validation(name + " is invalid")
}
