package common

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

// EchoValidator plugs struct tag validation into echo.Context.Validate.
type EchoValidator struct {
	validate *validator.Validate
}

func NewEchoValidator() *EchoValidator {
	return &EchoValidator{validate: validator.New()}
}

func (v *EchoValidator) Validate(i interface{}) error {
	if v.validate == nil {
		v.validate = validator.New()
	}
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		failed := make([]string, 0, len(fieldErrors))
		for _, fieldError := range fieldErrors {
			failed = append(failed, fmt.Sprintf("%s (%s)", strings.ToLower(fieldError.Field()), fieldError.Tag()))
		}
		return echo.NewHTTPError(http.StatusBadRequest, "received invalid request body: "+strings.Join(failed, ", "))
	}
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("received invalid request body: %v", err))
}
