package http

import "errors"

// ErrPayloadTooLarge is returned when an upload exceeds the configured size.
var ErrPayloadTooLarge = errors.New("payload too large")
