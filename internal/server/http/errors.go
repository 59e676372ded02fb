package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/errs"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain errors to an HTTP status and a stable machine-readable code.
// Wrapping sentinels are checked before the sentinels they wrap.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errs.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, errs.ErrInvalidTerms):
		return http.StatusBadRequest, "invalid_terms"
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, errs.ErrOverdraw):
		return http.StatusUnprocessableEntity, "overdraw"
	case errors.Is(err, errs.ErrSaleNotActive):
		return http.StatusConflict, "sale_not_active"
	case errors.Is(err, errs.ErrInstallmentNotFound):
		return http.StatusNotFound, "installment_not_found"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errs.ErrDeviceHasOpenSale):
		return http.StatusConflict, "device_has_open_sale"
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, errs.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, errs.ErrVersionConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errs.ErrSecretMismatch):
		return http.StatusForbidden, "secret_mismatch"
	case errors.Is(err, errs.ErrCommandExpired):
		return http.StatusGone, "command_expired"
	case errors.Is(err, errs.ErrCommandState):
		return http.StatusConflict, "command_state"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var body errorBody
	var code int
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		body = errorBody{Error: fmt.Sprint(he.Message), Code: codeForStatus(code)}
	} else {
		code, body.Code = statusFor(err)
		body.Error = err.Error()
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Error(err),
		)
		body.Error = "internal error"
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		s.log.Warn("write error response", zap.Error(err))
	}
}

func codeForStatus(status int) string {
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}
