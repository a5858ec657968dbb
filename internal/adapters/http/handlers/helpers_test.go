package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decode(t *testing.T, body io.Reader) response.Response {
	t.Helper()
	var out response.Response
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestRespondError_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", domain.Invalid("electricity.current", "must not be below previous"), fiber.StatusBadRequest},
		{"permission", fmt.Errorf("edit bill: %w", domain.ErrPermissionDenied), fiber.StatusForbidden},
		{"not found", domain.ErrBillNotFound, fiber.StatusNotFound},
		{"conflict", domain.ErrAlreadyConfirmed, fiber.StatusConflict},
		{"stale", domain.ErrStaleBill, fiber.StatusConflict},
		{"unauthorized", domain.ErrUnauthorized, fiber.StatusUnauthorized},
		{"transport", domain.Transport(domain.StepUpload, errors.New("disk full")), fiber.StatusBadGateway},
		{"unknown", errors.New("boom"), fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error {
				return respondError(c, zap.NewNop(), tc.err, "failed")
			})

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)

			body := decode(t, resp.Body)
			assert.False(t, body.Success)
			if tc.name == "validation" {
				assert.Equal(t, "electricity.current", body.Field)
			}
		})
	}
}

type sampleInput struct {
	RoomCode string `json:"room_code" validate:"required"`
	Reading  struct {
		Current float64 `json:"current" validate:"gte=0"`
	} `json:"reading"`
}

func TestParseBody(t *testing.T) {
	app := fiber.New()
	app.Post("/", func(c *fiber.Ctx) error {
		var in sampleInput
		if err := parseBody(c, &in); err != nil {
			return respondError(c, zap.NewNop(), err, "bad")
		}
		return response.Success(c, "ok", in)
	})

	send := func(body string) *response.Response {
		req := httptest.NewRequest("POST", "/", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		require.NoError(t, err)
		out := decode(t, resp.Body)
		return &out
	}

	ok := send(`{"room_code":"101","reading":{"current":12}}`)
	assert.True(t, ok.Success)

	missing := send(`{"reading":{"current":12}}`)
	assert.Equal(t, "room_code", missing.Field)

	negative := send(`{"room_code":"101","reading":{"current":-1}}`)
	assert.Equal(t, "reading.current", negative.Field)
	assert.Contains(t, negative.Error, "gte")

	garbage := send(`{not json`)
	assert.Equal(t, "body", garbage.Field)
}

func TestParamIDAndQueryDate(t *testing.T) {
	app := fiber.New()
	app.Get("/bills/:id", func(c *fiber.Ctx) error {
		id, err := paramID(c, "id")
		if err != nil {
			return respondError(c, zap.NewNop(), err, "bad")
		}
		to, err := queryDate(c, "to", true)
		if err != nil {
			return respondError(c, zap.NewNop(), err, "bad")
		}
		data := fiber.Map{"id": id}
		if to != nil {
			data["to"] = to.Format("2006-01-02 15:04:05")
		}
		return response.Success(c, "ok", data)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/bills/7?to=2024-05-31", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decode(t, resp.Body)
	data := body.Data.(map[string]interface{})
	assert.EqualValues(t, 7, data["id"])
	assert.Equal(t, "2024-05-31 23:59:59", data["to"])

	for _, path := range []string{"/bills/0", "/bills/abc", "/bills/3?to=31-05-2024"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestAuthContextFromLocals(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		c.Locals(LocalsAuth, authz.AuthContext{AccountID: 9, Role: authz.RoleTenant})
		auth, ok := authContext(c)
		if !ok {
			return response.Unauthorized(c, "Unauthorized")
		}
		return response.Success(c, "ok", fiber.Map{"account": auth.AccountID})
	})
	app.Get("/anon", func(c *fiber.Ctx) error {
		if _, ok := authContext(c); !ok {
			return response.Unauthorized(c, "Unauthorized")
		}
		return nil
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/anon", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
