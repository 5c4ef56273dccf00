// Package yerr defines the closed set of error codes that cross every async
// boundary in the branch runtime, mirroring the Yogi wire error taxonomy.
package yerr

import (
	"errors"
	"fmt"
)

// Code is a closed-set error code. Every async completion in the branch
// runtime reports one of these, either directly or wrapped with context via
// fmt.Errorf("%w", ...).
type Code int

const (
	OK Code = iota
	Unknown
	ObjectStillUsed
	BadAlloc
	InvalidParam
	InvalidHandle
	WrongObjectType
	Canceled
	Busy
	Timeout
	TimerExpired
	BufferTooSmall
	OpenSocketFailed
	BindSocketFailed
	ListenSocketFailed
	SetSocketOptionFailed
	AcceptSocketFailed
	ConnectSocketFailed
	RWSocketFailed
	InvalidMagicPrefix
	IncompatibleVersion
	DeserializeMsgFailed
	LoopbackConnection
	PasswordMismatch
	NetNameMismatch
	DuplicateBranchName
	DuplicateBranchPath
	PayloadTooLarge
	TxQueueFull
	ParsingJSONFailed
	InvalidUserMsgPack
)

var names = map[Code]string{
	OK:                    "ok",
	Unknown:               "unknown",
	ObjectStillUsed:       "object-still-used",
	BadAlloc:              "bad-alloc",
	InvalidParam:          "invalid-param",
	InvalidHandle:         "invalid-handle",
	WrongObjectType:       "wrong-object-type",
	Canceled:              "canceled",
	Busy:                  "busy",
	Timeout:               "timeout",
	TimerExpired:          "timer-expired",
	BufferTooSmall:        "buffer-too-small",
	OpenSocketFailed:      "open-socket-failed",
	BindSocketFailed:      "bind-socket-failed",
	ListenSocketFailed:    "listen-socket-failed",
	SetSocketOptionFailed: "set-socket-option-failed",
	AcceptSocketFailed:    "accept-socket-failed",
	ConnectSocketFailed:   "connect-socket-failed",
	RWSocketFailed:        "rw-socket-failed",
	InvalidMagicPrefix:    "invalid-magic-prefix",
	IncompatibleVersion:   "incompatible-version",
	DeserializeMsgFailed:  "deserialize-msg-failed",
	LoopbackConnection:    "loopback-connection",
	PasswordMismatch:      "password-mismatch",
	NetNameMismatch:       "net-name-mismatch",
	DuplicateBranchName:   "duplicate-branch-name",
	DuplicateBranchPath:   "duplicate-branch-path",
	PayloadTooLarge:       "payload-too-large",
	TxQueueFull:           "tx-queue-full",
	ParsingJSONFailed:     "parsing-json-failed",
	InvalidUserMsgPack:    "invalid-user-msgpack",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown"
}

// Error implements the error interface so a bare Code can be returned and
// compared against with errors.Is/As.
func (c Code) Error() string { return c.String() }

// Err wraps a Code with additional context, matching pkg/utils.Wrap's
// "%s: %w" convention.
func Err(c Code, context string) error {
	if context == "" {
		return c
	}
	return fmt.Errorf("%s: %w", context, c)
}

// Is reports whether err carries the given Code, directly or wrapped.
func Is(err error, c Code) bool {
	var code Code
	return errors.As(err, &code) && code == c
}
