package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// SetupValidator makes validation errors name fields by their json (or
// form) tag, which is what API clients send.
func SetupValidator() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(wireName)
	}
}

func wireName(fld reflect.StructField) string {
	for _, tag := range []string{"json", "form"} {
		name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
		switch name {
		case "-":
			return ""
		case "":
			continue
		default:
			return name
		}
	}
	return ""
}

// HandleValidationError answers a failed bind: 413 when the body ran past
// BodyLimit, otherwise 400 listing each invalid field. Malformed JSON has
// no field details.
func HandleValidationError(c *gin.Context, err error) {
	if IsBodyTooLarge(err) {
		abortTooLarge(c)
		return
	}

	var details []dto.ValidationDetail
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details = make([]dto.ValidationDetail, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			details = append(details, dto.ValidationDetail{Field: fe.Field(), Message: validationMessage(fe)})
		}
	}

	c.Set(ErrorCodeKey, dto.ErrCodeValidation)
	c.JSON(http.StatusBadRequest, dto.NewValidationErrorResponse("Request validation failed", GetRequestID(c), details))
}

var fixedMessages = map[string]string{
	"required": "This field is required",
	"url":      "Invalid URL format",
	"uuid":     "Must be a UUID",
}

func validationMessage(fe validator.FieldError) string {
	if msg, ok := fixedMessages[fe.Tag()]; ok {
		return msg
	}
	switch fe.Tag() {
	case "min", "gte":
		return boundMessage("at least", fe)
	case "max", "lte":
		return boundMessage("at most", fe)
	case "oneof":
		return "Must be one of: " + fe.Param()
	}
	return "Invalid value"
}

// boundMessage words a length bound for strings and a value bound otherwise
func boundMessage(relation string, fe validator.FieldError) string {
	msg := "Must be " + relation + " " + fe.Param()
	if fe.Kind() == reflect.String {
		msg += " characters"
	}
	return msg
}
