package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/putto11262002/chatter-sync/pkg/router"
)

var ErrInvalidRequest = errors.New("invalid request")

var (
	validate *validator.Validate
	enTrans  ut.Translator
)

func init() {
	validate = validator.New()
	en := en.New()
	enTrans, _ = ut.New(en, en).GetTranslator("en")
	en_translations.RegisterDefaultTranslations(validate, enTrans)

	// report fields by their json name
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return strings.ToLower(field.Name)
		}
		return name
	})
}

func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// validationError maps validator errors to a 400 listing every failed field.
func validationError(err error) router.Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(enTrans))
	}
	return router.NewJsonError(http.StatusBadRequest, strings.Join(msgs, "; "))
}
