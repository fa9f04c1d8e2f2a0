package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPageOutOfRange  = errors.New("page id out of range")
	ErrInvalidPayload  = errors.New("invalid page payload")
	ErrUnknownTxn      = errors.New("unknown or already committed transaction")
	ErrMalformedRecord = errors.New("malformed record")
)

// FieldSeparator separates values in log lines and page files.
// Payloads carry no escaping, so they may not contain it.
const FieldSeparator = ","

func ValidatePayload(data string) error {
	if strings.ContainsAny(data, FieldSeparator+"\r\n") {
		return fmt.Errorf("%w: %q contains a separator or a line break", ErrInvalidPayload, data)
	}
	return nil
}
