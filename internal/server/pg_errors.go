package server

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nmcalba/clientdesk/pkg/httperr"
)

func newBadRequestError(msg string) error {
	return httperr.NewBadRequest(msg)
}

func isBadRequestError(err error) bool {
	return httperr.IsBadRequest(err)
}

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func isPgUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isPgInvalidInput(err error) bool {
	switch pgErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}

// stableConflictCode maps known unique constraints to codes clients can key
// on; anything else stays a generic conflict.
func stableConflictCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		switch strings.TrimSpace(pgErr.ConstraintName) {
		case "clients_tenant_email_unique":
			return "CLIENT_EMAIL_TAKEN"
		case "invoices_tenant_number_unique":
			return "INVOICE_NUMBER_TAKEN"
		case "projects_tenant_name_unique":
			return "PROJECT_NAME_TAKEN"
		}
	}
	return "conflict"
}
