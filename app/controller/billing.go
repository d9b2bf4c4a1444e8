package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/solvera-apps/ms-go-billing/app/factory"
	"github.com/solvera-apps/ms-go-billing/app/mapper"
	"github.com/solvera-apps/ms-go-billing/app/service"
	"github.com/solvera-apps/ms-go-billing/app/types"
)

type BillingController struct {
	billingService *service.BillingService
	logger         logrus.FieldLogger
}

func NewBillingController(billingService *service.BillingService) *BillingController {
	return &BillingController{
		billingService: billingService,
		logger:         factory.NewModuleLogger("billing-controller"),
	}
}

func (c *BillingController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *BillingController) CreatePayment(ctx echo.Context) error {
	ownerID, err := types.OwnerIDFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusUnauthorized, err.Error())
	}
	req, err := types.NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.billingService.ProvisionalCreate(ctx.Request().Context(), &service.ProvisionalCreateInput{
		OwnerID:       ownerID,
		Plan:          req.Plan,
		BillingPeriod: req.BillingPeriod,
		Amount:        req.ParsedAmount,
		Currency:      req.Currency,
		ClientToken:   req.ClientToken,
		RequestedAt:   req.ParsedRequestedAt,
		Reason:        req.Reason,
		ChangeTo:      req.ChangeTo,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		}
		c.logger.WithError(err).Error("Create payment failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusCreated, &types.PaymentEnvelopeResponse{Payment: mapper.PaymentRecordToResponse(item)})
}

func (c *BillingController) CreateOrder(ctx echo.Context) error {
	ownerID, err := types.OwnerIDFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusUnauthorized, err.Error())
	}
	req, err := types.NewPaymentIDRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid payment id")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, approveURL, err := c.billingService.CreateGatewayOrder(ctx.Request().Context(), ownerID, req.Id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrRecordNotFound):
			return c.writeError(ctx, http.StatusNotFound, "payment not found")
		case errors.Is(err, service.ErrConflict):
			return c.writeError(ctx, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrGatewayUnavailable):
			return c.writeError(ctx, http.StatusBadGateway, "payment gateway unavailable")
		default:
			c.logger.WithError(err).Error("Create order failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.OrderResponse{
		Payment:    mapper.PaymentRecordToResponse(item),
		ApproveUrl: approveURL,
	})
}

func (c *BillingController) AttachOrder(ctx echo.Context) error {
	ownerID, err := types.OwnerIDFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusUnauthorized, err.Error())
	}
	req, err := types.NewAttachOrderRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.billingService.AttachOrder(ctx.Request().Context(), &service.AttachOrderInput{
		OwnerID:        ownerID,
		RecordID:       req.PaymentId,
		ClientToken:    req.ClientToken,
		GatewayOrderID: req.GatewayOrderId,
		Reason:         req.Reason,
		ChangeTo:       req.ChangeTo,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrRecordNotFound):
			return c.writeError(ctx, http.StatusNotFound, "payment not found")
		case errors.Is(err, service.ErrConflict):
			return c.writeError(ctx, http.StatusConflict, err.Error())
		default:
			c.logger.WithError(err).Error("Attach order failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.PaymentEnvelopeResponse{Payment: mapper.PaymentRecordToResponse(item)})
}

func (c *BillingController) CaptureOrder(ctx echo.Context) error {
	req, err := types.NewCaptureOrderRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid order id")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.billingService.CaptureApprovedOrder(ctx.Request().Context(), req.OrderId)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrConflict):
			return c.writeError(ctx, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrGatewayUnavailable):
			return c.writeError(ctx, http.StatusBadGateway, "payment gateway unavailable")
		default:
			c.logger.WithError(err).Error("Capture order failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.PaymentEnvelopeResponse{Payment: mapper.PaymentRecordToResponse(item)})
}

func (c *BillingController) GetPayment(ctx echo.Context) error {
	ownerID, err := types.OwnerIDFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusUnauthorized, err.Error())
	}
	req, err := types.NewPaymentIDRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid payment id")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.billingService.GetPaymentRecord(ctx.Request().Context(), ownerID, req.Id)
	if err != nil {
		if errors.Is(err, service.ErrRecordNotFound) {
			return c.writeError(ctx, http.StatusNotFound, "payment not found")
		}
		c.logger.WithError(err).Error("Get payment failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentEnvelopeResponse{Payment: mapper.PaymentRecordToResponse(item)})
}

func (c *BillingController) ListPayments(ctx echo.Context) error {
	ownerID, err := types.OwnerIDFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusUnauthorized, err.Error())
	}
	req, err := types.NewListPaymentsRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.billingService.ListPaymentRecords(ctx.Request().Context(), ownerID, req.Limit, req.Offset)
	if err != nil {
		c.logger.WithError(err).Error("List payments failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ListPaymentsResponse{Payments: mapper.PaymentRecordsToResponse(items)})
}

func (c *BillingController) DeletePayment(ctx echo.Context) error {
	ownerID, err := types.OwnerIDFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusUnauthorized, err.Error())
	}
	req, err := types.NewPaymentIDRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid payment id")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	if err := c.billingService.DeletePaymentRecord(ctx.Request().Context(), ownerID, req.Id); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrRecordNotFound):
			return c.writeError(ctx, http.StatusNotFound, "payment not found")
		default:
			c.logger.WithError(err).Error("Delete payment failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Payment deleted"})
}

func (c *BillingController) GetEntitlement(ctx echo.Context) error {
	ownerID, err := types.OwnerIDFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusUnauthorized, err.Error())
	}

	item, err := c.billingService.ComputeEntitlement(ctx.Request().Context(), ownerID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		}
		c.logger.WithError(err).Error("Get entitlement failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, mapper.EntitlementToResponse(item))
}

// HandleGatewayWebhook always acknowledges: the reconciler stores failures
// for inspection instead of asking the gateway to retry.
func (c *BillingController) HandleGatewayWebhook(ctx echo.Context) error {
	payload, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Webhook body read failed")
		return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Webhook received"})
	}

	c.billingService.HandleGatewayWebhook(ctx.Request().Context(), payload)

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Webhook received"})
}

func (c *BillingController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
