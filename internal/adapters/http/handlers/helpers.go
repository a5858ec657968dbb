package handlers

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// LocalsAuth is the fiber.Locals key holding the caller's authz.AuthContext
const LocalsAuth = "auth"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names so clients can map errors to their fields
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// authContext returns the caller set by the session middleware
func authContext(c *fiber.Ctx) (authz.AuthContext, bool) {
	auth, ok := c.Locals(LocalsAuth).(authz.AuthContext)
	return auth, ok
}

// parseBody decodes and validates a JSON body into out
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return domain.Invalid("body", "invalid request body")
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.Invalid(fieldPath(fe), "failed on '%s' rule", fe.Tag())
		}
		return domain.Invalid("body", "%s", err.Error())
	}
	return nil
}

// fieldPath strips the root struct name from a namespace such as
// "CreateBillInput.electricity.current"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, domain.Invalid(name, "%s must be a positive integer", name)
	}
	return uint(id), nil
}

// queryDate parses an optional YYYY-MM-DD query parameter. end moves the
// bound to the last instant of the day.
func queryDate(c *fiber.Ctx, key string, end bool) (*time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(services.DateLayout, v, time.Local)
	if err != nil {
		return nil, domain.Invalid(key, "%s must be a date in YYYY-MM-DD format", key)
	}
	if end {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

// respondError maps the domain error taxonomy onto HTTP statuses
func respondError(c *fiber.Ctx, log *zap.Logger, err error, fallback string) error {
	var verr *domain.ValidationError
	var terr *domain.TransportError
	switch {
	case errors.As(err, &verr):
		return response.FieldError(c, verr.Field, verr.Reason)
	case errors.Is(err, domain.ErrPermissionDenied):
		return response.Forbidden(c, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return response.Conflict(c, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return response.Unauthorized(c, err.Error())
	case errors.As(err, &terr):
		log.Error(fallback, zap.String("step", string(terr.Step)), zap.Error(terr.Err))
		return response.BadGateway(c, fallback)
	default:
		log.Error(fallback, zap.Error(err))
		return response.InternalServerError(c, fallback)
	}
}
