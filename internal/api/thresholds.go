package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"cs-workflows/backend/internal/thresholds"
	"cs-workflows/backend/pkg/models"
)

// GetThresholds returns the thresholds in effect
// (GET /api/v1/thresholds)
func (s *Server) GetThresholds(c echo.Context) error {
	return c.JSON(http.StatusOK, s.thresholds.Get(c.Request().Context()))
}

// PatchThresholds updates some thresholds. Every value is validated before
// any is written.
// (PATCH /api/v1/thresholds)
func (s *Server) PatchThresholds(c echo.Context) error {
	ctx := c.Request().Context()

	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no thresholds given")
	}

	values := make(map[string]string, len(body))
	for key, v := range body {
		raw, err := thresholdString(key, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		if err := thresholds.ValidateValue(key, raw); err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		values[key] = raw
	}
	if err := s.thresholds.UpdateMany(ctx, values); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.thresholds.Get(ctx))
}

// thresholdString converts a JSON value to the raw form threshold sources
// store. Plan lists may be sent as arrays.
func thresholdString(key string, v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return models.FormatValue(val), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("%s: list items must be strings", key)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("%s: unsupported value %v", key, v)
	}
}

// RefreshThresholds reloads thresholds from their source
// (POST /api/v1/thresholds/refresh)
func (s *Server) RefreshThresholds(c echo.Context) error {
	th, err := s.thresholds.Refresh(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, th)
}
