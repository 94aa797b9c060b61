package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Build outcomes.
	ErrBuildOverflow = "E_BUILD_OVERFLOW"
	ErrBuildFailed   = "E_BUILD_FAILED"
	ErrUploadFailed  = "E_UPLOAD_FAILED"
	ErrCancelled     = "E_CANCELLED"
	ErrNoSlot        = "E_NO_SLOT"
	ErrNothing       = "E_NOTHING_TO_BUILD"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBuildOverflow:   {},
	ErrBuildFailed:     {},
	ErrUploadFailed:    {},
	ErrCancelled:       {},
	ErrNoSlot:          {},
	ErrNothing:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
