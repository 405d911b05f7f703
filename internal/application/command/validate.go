package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// commandValidate checks struct tags on every command before a handler
// touches storage.
var commandValidate *validator.Validate

func init() {
	commandValidate = validator.New()
	_ = commandValidate.RegisterValidation("activitytype", validateActivityType)
	_ = commandValidate.RegisterValidation("jsondoc", validateJSON)
}

func validateActivityType(fl validator.FieldLevel) bool {
	_, ok := ledger.ParseActivityType(fl.Field().String())
	return ok
}

// validateJSON accepts an empty value; use required to reject it.
func validateJSON(fl validator.FieldLevel) bool {
	raw := fl.Field().Bytes()
	return len(raw) == 0 || json.Valid(raw)
}

// validateCommand runs the tag validator and maps its failures to a
// shared validation error naming every failing field.
func validateCommand(domain, op string, cmd any) error {
	err := commandValidate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return shared.WrapError(domain, op, shared.ErrValidation, "invalid command", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, describeFieldError(fe))
	}
	return shared.Validation(domain, op, "%s", strings.Join(parts, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "activitytype":
		return fmt.Sprintf("%s: unknown activity type %q", fe.Field(), fe.Value())
	case "jsondoc":
		return fmt.Sprintf("%s must be valid JSON", fe.Field())
	case "gte", "lte", "min", "max":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
