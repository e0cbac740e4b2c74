package client

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New()

	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("client: failed to get 'en' translator")
	}
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateSubmission checks one request's validated shape against its
// declared tags, collecting every violation rather than stopping at the
// first.
func validateSubmission(sub submission) error {
	err := validate.Struct(sub)
	if err == nil {
		return nil
	}

	verrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	fields := make(FieldErrors, 0, len(verrors))
	for _, verror := range verrors {
		fields = append(fields, FieldError{
			Field: verror.Field(),
			Err:   submissionMessage(verror),
		})
	}

	return fields
}

// submissionMessage maps the tags the submission model uses onto
// request-shaped messages, falling back to the translator for anything
// added later.
func submissionMessage(verror validator.FieldError) string {
	switch verror.Tag() {
	case "required":
		return "must be set"
	case "uppercase":
		return "must be an uppercase HTTP method"
	case "url":
		return "must be an absolute URL"
	case "gte":
		return fmt.Sprintf("must be at least %s", verror.Param())
	default:
		return verror.Translate(translator)
	}
}

// FieldError is a single validation failure on one submission field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors collects every validation failure of one submission.
type FieldErrors []FieldError

// Error returns a human-readable summary of all field errors.
func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}
