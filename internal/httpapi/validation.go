package httpapi

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

const notBlankTag = "notblank"

var (
	translator ut.Translator
	setupOnce  sync.Once
)

// setupValidator configures gin's validator engine: JSON field names in
// errors, English messages and the notblank tag.
func setupValidator() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_en := en.New()
		translator, _ = ut.New(_en, _en).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, translator)

		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = v.RegisterTranslation(notBlankTag, translator,
			func(t ut.Translator) error { return t.Add(notBlankTag, "{0} must not be blank", true) },
			func(t ut.Translator, fe validator.FieldError) string {
				msg, _ := t.T(notBlankTag, fe.Field())
				return msg
			})
	})
}

func translate(fe validator.FieldError) string {
	if translator == nil {
		return fe.Error()
	}
	return fe.Translate(translator)
}
