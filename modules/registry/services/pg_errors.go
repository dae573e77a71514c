package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func mapPgErrorToServiceError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return newServiceError(http.StatusNotFound, "REGISTRY_NOT_FOUND", "not found", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		recordWriteConflict("unique")
		switch pgErr.ConstraintName {
		case "schools_emis_code_key":
			return newServiceError(http.StatusConflict, "REGISTRY_EMIS_CONFLICT", "EMIS code already exists", err)
		case "staging_rows_run_id_file_row_number_key":
			return newServiceError(http.StatusConflict, "REGISTRY_ROW_CONFLICT", "row already staged for this run", err)
		case "council_aliases_alias_key":
			return newServiceError(http.StatusConflict, "REGISTRY_ALIAS_CONFLICT", "alias already registered", err)
		case "changesets_pkey":
			return newServiceError(http.StatusConflict, "REGISTRY_CHANGESET_EXISTS", "run already has a changeset", err)
		default:
			return newServiceError(http.StatusConflict, "REGISTRY_CONFLICT", "unique constraint violated", err)
		}
	case "23503": // foreign_key_violation
		recordWriteConflict("foreign_key")
		switch pgErr.ConstraintName {
		case "schools_council_id_fkey", "staging_rows_matched_council_id_fkey":
			return newServiceError(http.StatusUnprocessableEntity, "REGISTRY_COUNCIL_NOT_FOUND", "council does not exist", err)
		default:
			return newServiceError(http.StatusUnprocessableEntity, "REGISTRY_PARENT_NOT_FOUND", "foreign key violation", err)
		}
	case "23514": // check_violation
		recordWriteConflict("check")
		switch pgErr.ConstraintName {
		case "import_runs_flags_exclusive":
			return newServiceError(http.StatusBadRequest, "REGISTRY_INVALID_BODY", "dry_run and authoritative are mutually exclusive", err)
		case "staging_rows_match_consistent":
			return newServiceError(http.StatusConflict, "REGISTRY_MATCH_INCONSISTENT", "match type and council id are inconsistent", err)
		default:
			return newServiceError(http.StatusConflict, "REGISTRY_CONFLICT", "check constraint violated", err)
		}
	default:
		return newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL", fmt.Sprintf("database error (%s)", pgErr.Code), err)
	}
}
