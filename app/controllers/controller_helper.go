package controllers

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/flowpay/flowpay/internal/pkg/problem"
)

var validate = validator.New()

// parseAndValidate decodes the JSON body into out and runs the validator.
// Failures surface as problem-details responses with a per-field map.
func parseAndValidate(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return problem.Validation("request body is not valid JSON", nil)
	}
	if err := validate.Struct(out); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if ok := errorsAs(err, &verrs); ok {
			for _, fe := range verrs {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return problem.Validation("request validation failed", fields)
	}
	return nil
}

func errorsAs(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// requestHeaders flattens the request headers to single values for storage
// alongside a webhook event.
func requestHeaders(c *fiber.Ctx) map[string]string {
	flat := make(map[string]string)
	for k, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			flat[k] = values[0]
		}
	}
	return flat
}
