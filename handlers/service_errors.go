package handlers

import (
	"net/http"

	"github.com/agentsim/decisiond/services"
	"github.com/agentsim/decisiond/utils"
	"go.uber.org/zap"
)

// WriteServiceError maps domain errors to HTTP responses
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)

	switch {
	case services.IsNotFoundError(err):
		if werr := utils.WriteNotFound(w, err.Error()); werr != nil {
			logger.Error("failed to write not found response", zap.Error(werr))
		}

	case services.IsValidationError(err):
		if werr := utils.WriteBadRequest(w, err.Error(), details); werr != nil {
			logger.Error("failed to write bad request response", zap.Error(werr))
		}

	case services.IsDuplicateError(err), services.IsConflictError(err), services.IsCancelledError(err):
		if werr := utils.WriteConflict(w, err.Error(), details); werr != nil {
			logger.Error("failed to write conflict response", zap.Error(werr))
		}

	case services.IsTimeoutError(err):
		if werr := utils.WriteJSON(w, http.StatusGatewayTimeout, utils.ErrorResponse{
			Error:   "gateway_timeout",
			Message: err.Error(),
			Details: details,
		}); werr != nil {
			logger.Error("failed to write gateway timeout response", zap.Error(werr))
		}

	case services.IsNoProviderError(err):
		if werr := utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse{
			Error:   "service_unavailable",
			Message: err.Error(),
			Details: details,
		}); werr != nil {
			logger.Error("failed to write service unavailable response", zap.Error(werr))
		}

	case services.IsProviderError(err), services.IsRetryExhaustedError(err), services.IsMalformedOutputError(err):
		// Backend failures are mapped to 502 Bad Gateway
		if werr := utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse{
			Error:   "bad_gateway",
			Message: err.Error(),
			Details: details,
		}); werr != nil {
			logger.Error("failed to write bad gateway response", zap.Error(werr))
		}

	default:
		// Log internal errors but return a generic message
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		if werr := utils.WriteInternalError(w, "An internal error occurred"); werr != nil {
			logger.Error("failed to write internal error response", zap.Error(werr))
		}
	}
}
