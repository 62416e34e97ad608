// Package codec turns UDP datagrams into TCP safe text and frames that text on the link.
package codec

import (
	"encoding/base64"
	"fmt"
)

// DecodeError reports encoded text that could not be turned back into a datagram.
type DecodeError struct {
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d byte frame: %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode returns the base64 text of a datagram. It never fails.
func Encode(payload []byte) []byte {
	return base64.StdEncoding.AppendEncode(nil, payload)
}

// Decode is the inverse of Encode.
func Decode(text []byte) ([]byte, error) {
	out, err := base64.StdEncoding.AppendDecode(nil, text)
	if err != nil {
		return nil, &DecodeError{Len: len(text), Err: err}
	}
	return out, nil
}
