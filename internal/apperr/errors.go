// Package apperr 定义 registry 各层共享的错误分类，HTTP 层据此映射状态码。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 描述错误类别。
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotInitialized
	KindNotFound
	KindConflict
	KindBadRequest
	KindUpstream
	KindNetwork
	KindFilesystem
	KindConfig
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindInvalidArgument: "invalid_argument",
	KindNotInitialized:  "not_initialized",
	KindNotFound:        "not_found",
	KindConflict:        "conflict",
	KindBadRequest:      "bad_request",
	KindUpstream:        "upstream_error",
	KindNetwork:         "network_error",
	KindFilesystem:      "filesystem_error",
	KindConfig:          "config_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error 携带类别、操作名与可读原因，Err 保留底层错误以便 errors.Is/As 继续穿透。
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 只比较类别，使 errors.Is(err, apperr.ErrNotFound) 对任意 Op/Reason 成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// 每个类别的哨兵值，仅用于 errors.Is 比较。
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrNotInitialized  = &Error{Kind: KindNotInitialized}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrBadRequest      = &Error{Kind: KindBadRequest}
	ErrUpstream        = &Error{Kind: KindUpstream}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrFilesystem      = &Error{Kind: KindFilesystem}
	ErrConfig          = &Error{Kind: KindConfig}
)

// New 构造一个不带底层错误的分类错误。
func New(kind Kind, op, reason string) error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap 以指定类别包装底层错误；err 为 nil 时返回 nil。
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func InvalidArgument(op, reason string) error { return New(KindInvalidArgument, op, reason) }
func NotFound(op, reason string) error        { return New(KindNotFound, op, reason) }
func Conflict(op, reason string) error        { return New(KindConflict, op, reason) }
func BadRequest(op, reason string) error      { return New(KindBadRequest, op, reason) }

// Filesystem 包装意外的 I/O 错误。
func Filesystem(op string, err error) error { return Wrap(KindFilesystem, op, err) }

// KindOf 返回错误链中第一个 *Error 的类别，找不到时为 KindUnknown。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf 返回适合暴露给客户端的原因文本。
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return KindOf(err).String()
}
