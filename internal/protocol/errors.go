package protocol

const (
	// Protocol/transport validation.
	ErrProto  = "E_PROTO"
	ErrBadMsg = "E_BAD_MSG"

	// Action layer.
	ErrBadPos      = "E_BAD_POS"
	ErrUnknownCell = "E_UNKNOWN_CELL"
	ErrEmptyCache  = "E_EMPTY_CACHE"
	ErrNoCoins     = "E_NO_COINS"

	// Session layer.
	ErrResume    = "E_RESUME"
	ErrRateLimit = "E_RATE_LIMIT"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProto:       {},
	ErrBadMsg:      {},
	ErrBadPos:      {},
	ErrUnknownCell: {},
	ErrEmptyCache:  {},
	ErrNoCoins:     {},
	ErrResume:      {},
	ErrRateLimit:   {},
	ErrInternal:    {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
