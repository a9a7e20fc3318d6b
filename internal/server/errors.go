package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/npm-hub/internal/apperr"
	"github.com/any-hub/npm-hub/internal/logging"
)

// statusFor 把 apperr 类别映射为 HTTP 状态与错误码。
func statusFor(err error) (int, string) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return fiber.StatusNotFound, "not_found"
	case apperr.KindConflict:
		return fiber.StatusConflict, "conflict"
	case apperr.KindBadRequest, apperr.KindInvalidArgument:
		return fiber.StatusBadRequest, "bad_request"
	case apperr.KindUpstream, apperr.KindNetwork:
		return fiber.StatusBadGateway, "upstream_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// WriteError 渲染统一的 {"error","reason"} 响应；500 类错误只记录日志，不向客户端暴露细节。
func WriteError(c fiber.Ctx, logger *logrus.Logger, err error) error {
	status, code := statusFor(err)
	reason := apperr.ReasonOf(err)
	if status == fiber.StatusInternalServerError {
		fields := logging.RequestFields(RequestID(c), c.Method(), c.Path(), status)
		fields["action"] = "handler_error"
		logger.WithFields(fields).WithError(err).Error("request failed")
		reason = "internal server error"
	}
	return c.Status(status).JSON(fiber.Map{
		"error":  code,
		"reason": reason,
	})
}

// errorHandler 处理路由未命中等 Fiber 自身返回的错误。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code := "internal_error"
			switch fe.Code {
			case fiber.StatusNotFound:
				code = "not_found"
			case fiber.StatusMethodNotAllowed, fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
				code = "bad_request"
			}
			return c.Status(fe.Code).JSON(fiber.Map{
				"error":  code,
				"reason": fe.Message,
			})
		}
		return WriteError(c, logger, err)
	}
}
