// Package errors provides structured error handling for agent-brain.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage and state-directory errors
//   - 3XX: Provider (embedding/summarization/reranker) errors
//   - 4XX: Validation errors
//   - 5XX: Conflict and readiness errors
//   - 6XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates storage-backend and state-directory errors.
	CategoryStorage Category = "STORAGE"
	// CategoryProvider indicates errors from external model providers.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryConflict indicates duplicate or conflicting operations.
	CategoryConflict Category = "CONFLICT"
	// CategoryNotReady indicates the service cannot serve the request yet.
	CategoryNotReady Category = "NOT_READY"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound  = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid   = "ERR_102_CONFIG_INVALID"
	ErrCodeUnknownProvider = "ERR_103_UNKNOWN_PROVIDER"
	ErrCodeUnknownBackend  = "ERR_104_UNKNOWN_BACKEND"
	ErrCodeMissingAPIKey   = "ERR_105_MISSING_API_KEY"
	ErrCodeInvalidPort     = "ERR_106_INVALID_PORT"

	// Storage errors (200-299)
	ErrCodeLockBusy      = "ERR_201_LOCK_BUSY"
	ErrCodeUpsertFailed  = "ERR_202_UPSERT_FAILED"
	ErrCodeStorageClosed = "ERR_203_STORAGE_CLOSED"
	ErrCodeCorruptIndex  = "ERR_204_CORRUPT_INDEX"
	ErrCodeStateDir      = "ERR_205_STATE_DIR"

	// Provider errors (300-399)
	ErrCodeProviderTimeout     = "ERR_301_PROVIDER_TIMEOUT"
	ErrCodeProviderUnavailable = "ERR_302_PROVIDER_UNAVAILABLE"
	ErrCodeProviderRateLimited = "ERR_303_PROVIDER_RATE_LIMITED"

	// Validation errors (400-499)
	ErrCodeInvalidInput  = "ERR_401_INVALID_INPUT"
	ErrCodeQueryEmpty    = "ERR_402_QUERY_EMPTY"
	ErrCodeQueryTooLong  = "ERR_403_QUERY_TOO_LONG"
	ErrCodeInvalidFolder = "ERR_404_INVALID_FOLDER"

	// Conflict and readiness errors (500-599)
	ErrCodeDuplicateJob      = "ERR_501_DUPLICATE_JOB"
	ErrCodeJobTerminal       = "ERR_502_JOB_TERMINAL"
	ErrCodeDimensionMismatch = "ERR_503_DIMENSION_MISMATCH"
	ErrCodeProviderMismatch  = "ERR_504_PROVIDER_MISMATCH"
	ErrCodeNotReady          = "ERR_505_NOT_READY"
	ErrCodeQueueFull         = "ERR_506_QUEUE_FULL"
	ErrCodeIndexingActive    = "ERR_507_INDEXING_ACTIVE"

	// Internal errors (600-699)
	ErrCodeInternal        = "ERR_601_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_602_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_603_SEARCH_FAILED"
	ErrCodePipelineFailed  = "ERR_604_PIPELINE_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_NOT_FOUND")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	case '5':
		switch code {
		case ErrCodeNotReady:
			return CategoryNotReady
		default:
			return CategoryConflict
		}
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeLockBusy, ErrCodeCorruptIndex, ErrCodeMissingAPIKey:
		return SeverityFatal
	case ErrCodeProviderMismatch:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeProviderTimeout, ErrCodeProviderUnavailable, ErrCodeProviderRateLimited:
		return true
	default:
		return false
	}
}
