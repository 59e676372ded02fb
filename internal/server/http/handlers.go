package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/gateway"
	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/service"
)

const maxWebhookBody = 1 << 20

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.FromString(c.Param(name))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad %s", errs.ErrValidation, name)
	}
	return id, nil
}

func queryLimit(c echo.Context) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad limit", errs.ErrValidation)
	}
	return n, nil
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("%w: malformed body", errs.ErrValidation)
	}
	return nil
}

func (s *Server) createSale(c echo.Context) error {
	var req createSaleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	d, err := s.svc.Sales.CreateSale(c.Request().Context(), req.terms(), operator(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toSaleDetailJSON(d))
}

func (s *Server) getSale(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	d, err := s.svc.Sales.GetSale(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSaleDetailJSON(d))
}

func (s *Server) listOverdue(c echo.Context) error {
	list, err := s.svc.Sales.ListOverdue(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]overdueJSON, 0, len(list))
	for _, o := range list {
		out = append(out, overdueJSON{
			installmentJSON: toInstallmentJSON(o.Installment),
			SaleID:          o.SaleID,
			DeviceID:        o.DeviceID,
			CustomerRef:     o.CustomerRef,
			DaysOverdue:     o.DaysOverdue,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"overdue_installments": out, "count": len(out)})
}

func (s *Server) recordPayment(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req manualPaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := s.svc.Payments.RecordManualPayment(c.Request().Context(), service.ManualPayment{
		SaleID:        id,
		Amount:        model.Money(req.Amount),
		Method:        model.PaymentMethod(req.Method),
		InstallmentID: req.InstallmentID,
		Actor:         operator(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toPaymentResponse(out))
}

func (s *Server) registerIntent(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req intentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	in, err := s.svc.Payments.RegisterIntent(c.Request().Context(), id, req.Reference, operator(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, intentJSON{
		Reference: in.Reference,
		SaleID:    in.SaleID,
		CreatedBy: in.CreatedBy,
		CreatedAt: in.CreatedAt,
	})
}

// gatewayWebhook answers 200 for every journaled event, including unmatched ones, so the
// gateway stops retrying. Only oversize bodies, signature failures and transient errors are non-2xx.
func (s *Server) gatewayWebhook(c echo.Context) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.log.Warn("webhook body too large", zap.Int64("limit", tooBig.Limit), zap.String("remote_ip", c.RealIP()))
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "webhook body too large")
		}
		return fmt.Errorf("read webhook body: %w", err)
	}
	res, err := s.svc.Payments.HandleWebhook(c.Request().Context(), body, c.Request().Header.Get(gateway.SignatureHeader))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toWebhookResultJSON(res))
}

func (s *Server) listUnmatched(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	list, err := s.svc.Payments.ListUnmatched(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	out := make([]webhookEventJSON, 0, len(list))
	for _, ev := range list {
		out = append(out, toWebhookEventJSON(ev))
	}
	return c.JSON(http.StatusOK, echo.Map{"events": out})
}

func (s *Server) resolveUnmatched(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.SaleID == uuid.Nil {
		return fmt.Errorf("%w: sale_id required", errs.ErrValidation)
	}
	res, err := s.svc.Payments.ResolveUnmatched(c.Request().Context(), id, req.SaleID, operator(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toWebhookResultJSON(res))
}

func (s *Server) issueCommand(c echo.Context) error {
	var req issueCommandRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cmd, err := s.svc.Dispatch.Issue(c.Request().Context(), service.IssueRequest{
		DeviceID: c.Param("imei"),
		SaleID:   req.SaleID,
		Type:     model.CommandType(req.Type),
		Reason:   req.Reason,
		Actor:    operator(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toCommandJSON(*cmd))
}

func (s *Server) commandHistory(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	list, err := s.svc.Dispatch.History(c.Request().Context(), c.Param("imei"), limit)
	if err != nil {
		return err
	}
	out := make([]commandJSON, 0, len(list))
	for _, cmd := range list {
		out = append(out, toCommandJSON(cmd))
	}
	return c.JSON(http.StatusOK, echo.Map{"commands": out})
}

func (s *Server) operatorDeviceStatus(c echo.Context) error {
	st, err := s.svc.Enforce.ShouldLock(c.Request().Context(), c.Param("imei"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toStatusJSON(st))
}

func (s *Server) deviceStatus(c echo.Context) error {
	st, err := s.svc.Enforce.ShouldLock(c.Request().Context(), c.QueryParam("imei"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toStatusJSON(st))
}

func (s *Server) pollCommands(c echo.Context) error {
	got, err := s.svc.Dispatch.Deliver(c.Request().Context(), c.QueryParam("imei"))
	if err != nil {
		return err
	}
	out := make([]deliveryJSON, 0, len(got))
	for _, d := range got {
		out = append(out, deliveryJSON{
			CommandID: d.Command.ID,
			Type:      string(d.Command.Type),
			Reason:    d.Command.Reason,
			Secret:    d.Secret,
			ExpiresAt: d.Command.TokenExpiresAt,
		})
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, echo.Map{"commands": out})
}

func (s *Server) ackCommand(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req ackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cmd, err := s.svc.Dispatch.Acknowledge(c.Request().Context(), id, req.Secret, c.RealIP())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ackResponse{
		CommandID:      cmd.ID,
		Status:         string(cmd.Status),
		AcknowledgedAt: cmd.AcknowledgedAt,
	})
}
