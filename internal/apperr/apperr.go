// Package apperr 定义采集流程中的错误类别与分类函数。
//
// 编排层只依据 Kind 做分支：发现阶段的任意错误终止整个运行，
// 节点阶段的错误被转换为节点结果而不继续向上传播。
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind 错误类别
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindTransport  Kind = "transport"
	KindParse      Kind = "parse"
	KindSecurity   Kind = "security"
	KindUpload     Kind = "upload"
)

// E 带类别的错误
type E struct {
	Kind Kind
	Op   string
	Node string
	Err  error
}

func (e *E) Error() string {
	var b strings.Builder
	if e.Node != "" {
		b.WriteString(e.Node)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.Err }

// New 构造带类别的错误
func New(kind Kind, op string, err error) error {
	return &E{Kind: kind, Op: op, Err: err}
}

// Errorf 以格式化消息构造带类别的错误
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &E{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithNode 为错误补充节点标识；已有类别时保留原类别
func WithNode(node string, err error) error {
	if err == nil {
		return nil
	}
	var e *E
	if errors.As(err, &e) && e.Node == "" {
		cp := *e
		cp.Node = node
		return &cp
	}
	return &E{Kind: Classify(err), Node: node, Err: err}
}

// KindOf 返回错误链中第一个显式类别；没有显式类别时按内容分类
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e.Kind != KindUnknown && e.Kind != "" {
		return e.Kind
	}
	return Classify(err)
}

// Classify 按错误类型与消息内容分类底层传输错误
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "authentication methods failed"),
		strings.Contains(msg, "permission denied"):
		return KindAuth
	case strings.Contains(msg, "failed to dial"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "not opened"):
		return KindConnection
	case strings.Contains(msg, "eof"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		return KindTransport
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindUnknown
}

// Describe 面向操作员的类别说明
func Describe(k Kind) string {
	switch k {
	case KindValidation:
		return "invalid input"
	case KindAuth:
		return "authentication failed"
	case KindTimeout:
		return "timed out"
	case KindConnection:
		return "connection failed"
	case KindTransport:
		return "console session failed"
	case KindParse:
		return "unexpected device output"
	case KindSecurity:
		return "security check failed"
	case KindUpload:
		return "intake error"
	default:
		return "unexpected error"
	}
}
