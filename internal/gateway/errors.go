package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient 网络抖动、限频、5xx 等可重试故障。
	ErrTransient = errors.New("transient venue fault")
	// ErrOrderRejected 交易所明确拒绝（保证金不足、参数非法），不重试。
	ErrOrderRejected = errors.New("order rejected")
	// ErrEscalated 重试预算耗尽或补偿失败，需要人工或对账介入。
	ErrEscalated     = errors.New("escalated")
	ErrCircuitOpen   = errors.New("circuit open")
	ErrOrderNotFound = errors.New("order not found")
)

// VenueError 是交易所适配层统一返回的错误。
type VenueError struct {
	Venue     string
	Code      string
	Message   string
	Transient bool
}

func (e *VenueError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s error %s: %s", e.Venue, kind, e.Code, e.Message)
}

// Is 让 errors.Is(err, ErrTransient/ErrOrderRejected) 按分类命中。
func (e *VenueError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransient
	}
	return target == ErrOrderRejected
}

func Transient(venue, code, msg string) *VenueError {
	return &VenueError{Venue: venue, Code: code, Message: msg, Transient: true}
}

func Permanent(venue, code, msg string) *VenueError {
	return &VenueError{Venue: venue, Code: code, Message: msg}
}

// IsTransient 判断错误是否值得重试。未分类的错误按瞬时处理（依赖先查后重试避免重复下单）。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	if errors.Is(err, ErrOrderRejected) {
		return false
	}
	return true
}
