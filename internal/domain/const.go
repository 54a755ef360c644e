package domain

const (
	// Submission namespaces
	CASE_XMLNS_V2   = "http://commcarehq.org/case/transaction/v2"
	LEDGER_XMLNS_V1 = "http://commcarehq.org/ledger/v1"
	META_XMLNS      = "http://openrosa.org/jr/xforms"

	// DEVICE_LOG_XMLNS is stored as a form but never produces case transactions
	DEVICE_LOG_XMLNS = "http://code.javarosa.org/devicereport"

	// Restore payload constants
	OPENROSA_RESPONSE_XMLNS = "http://openrosa.org/http/response"
	RESTORE_FORMAT_V2       = "2.0"

	// MAX_CLEANLINESS_HINT_LENGTH bounds the diagnostic hint stored on a cleanliness flag
	MAX_CLEANLINESS_HINT_LENGTH = 100

	// FORM_DELETED_REASON is the rebuild reason recorded when a form is soft deleted
	FORM_DELETED_REASON = "form_deleted"
	// CASE_CORRUPTION_REASON is the rebuild reason recorded when a cached projection fails its checksum
	CASE_CORRUPTION_REASON = "checksum_mismatch"
)
