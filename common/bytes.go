package common

import (
	"encoding/hex"
	"errors"
)

// ErrStopped is returned by long-running operations when the quit channel
// fires mid-flight.
var ErrStopped = errors.New("stopped")

// CopyBytes returns an exact copy of the provided bytes.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copiedBytes := make([]byte, len(b))
	copy(copiedBytes, b)
	return copiedBytes
}

// Stopped checks the quit channel without blocking.
func Stopped(quit <-chan struct{}) error {
	if quit == nil {
		return nil
	}
	select {
	case <-quit:
		return ErrStopped
	default:
	}
	return nil
}

func Bytes2Hex(d []byte) string {
	return hex.EncodeToString(d)
}

func Hex2Bytes(str string) []byte {
	h, _ := hex.DecodeString(str)
	return h
}
