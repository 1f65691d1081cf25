package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"lexdraft/api/internal/auth"
	"lexdraft/api/internal/billing"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/generate"
	"lexdraft/api/internal/versions"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, collab.ErrNotFound), errors.Is(err, versions.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, collab.ErrInvalidRole), errors.Is(err, collab.ErrInvalidInput),
		errors.Is(err, generate.ErrInvalidRequest), errors.Is(err, export.ErrUnsupportedFormat),
		errors.Is(err, billing.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, collab.ErrAlreadyExists):
		return http.StatusConflict, "ALREADY_COLLABORATOR", "User is already a collaborator", nil
	case errors.Is(err, collab.ErrLoadFailed):
		return http.StatusServiceUnavailable, "COLLABORATION_UNAVAILABLE", "Failed to load collaboration data", nil
	case errors.Is(err, billing.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits", nil
	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusBadRequest, "INVALID_SIGNATURE", "Payment signature invalid", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export unavailable", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
}
