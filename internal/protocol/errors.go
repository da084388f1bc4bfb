package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Export request policy.
	ErrInvalidCredential = "E_INVALID_CREDENTIAL"
	ErrEntityGone        = "E_ENTITY_GONE"
	ErrBusy              = "E_BUSY"

	// Pipeline outcome.
	ErrExportFailed = "E_EXPORT_FAILED"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrInvalidCredential: {},
	ErrEntityGone:        {},
	ErrBusy:              {},
	ErrExportFailed:      {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
