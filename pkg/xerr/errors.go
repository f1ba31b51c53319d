package xerr

import (
	"context"
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                  = 200
	RequestParamsError  = 400 // 参数校验失败
	Forbidden           = 403 // 操作了不属于自己的资源
	RecordNotFound      = 404
	InvalidState        = 409 // 状态机不允许
	InsufficientBalance = 422 // 可用余额不足
	ServerCommonError   = 500
	DbError             = 501
	SettlementFailure   = 502 // 结算事务失败，已回滚
	EngineBusy          = 503 // 撮合邮箱已满
	Timeout             = 504
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Cause error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func Newf(code int, format string, args ...any) error {
	return &CodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留底层错误，对外只暴露 code + msg
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Cause: err}
}

func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 取最外层的错误码；不是 CodeError 的按 ServerCommonError 处理
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return ServerCommonError
}

func Is(err error, code int) bool {
	return err != nil && CodeOf(err) == code
}

// FromContext 把 ctx 超时/取消统一成 Timeout
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Wrap(err, Timeout, MapErrMsg(Timeout))
	}
	return nil
}

// IsRetryable 调用方可以原样重试的错误
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case Timeout, EngineBusy:
		return true
	}
	return false
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case Forbidden:
		return "无权操作"
	case InvalidState:
		return "当前状态不允许该操作"
	case InsufficientBalance:
		return "可用余额不足"
	case SettlementFailure:
		return "成交结算失败"
	case EngineBusy:
		return "撮合繁忙，请稍后重试"
	case Timeout:
		return "处理超时"
	default:
		return "未知错误"
	}
}
