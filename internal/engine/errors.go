package engine

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	CodeInvalidOperation = "INVALID_OPERATION"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeLockConflict     = "LOCK_CONFLICT"
	CodeCommentNotFound  = "COMMENT_NOT_FOUND"
	CodeDocumentExists   = "DOCUMENT_EXISTS"
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

func errDocumentNotFound(id string) *DomainError {
	return domainError(http.StatusNotFound, CodeDocumentNotFound, "document not found", map[string]any{"documentId": id})
}

func errInvalidOperation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeInvalidOperation, message, nil)
}

func errPermissionDenied(actorID, action string) *DomainError {
	return domainError(http.StatusForbidden, CodePermissionDenied, "actor lacks "+action+" permission", map[string]any{"actorId": actorID})
}

func errLockConflict(element, holder string) *DomainError {
	return domainError(http.StatusConflict, CodeLockConflict, "element is locked by another user", map[string]any{"element": element, "heldBy": holder})
}

// HasCode reports whether err is a DomainError carrying the given code.
func HasCode(err error, code string) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Code == code
}
