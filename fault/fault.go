package fault

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	// KindAuth 上游拒绝凭证（4xx），不重试
	KindAuth Kind = "auth"
	// KindTransient 网络超时、连接重置、5xx，可重试
	KindTransient Kind = "transient"
	// KindCapacity 云厂商容量不足，上报操作员，不重试
	KindCapacity Kind = "capacity"
	// KindProtocol 上游返回格式错误的载荷
	KindProtocol Kind = "protocol"
	// KindState 前置条件不满足（无主节点、杀死开关开启、无信号文件）
	KindState Kind = "state"
	// KindIntegrity 后置条件校验失败（API 成功但结果不成立）
	KindIntegrity Kind = "integrity"
)

// Fault 跨组件传递的类型化错误
type Fault struct {
	Kind    Kind
	Message string // 面向操作员的简短消息
	Err     error  // 底层错误（仅记录日志，不回传给用户）
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap 支持 errors.Is / errors.As
func (f *Fault) Unwrap() error {
	return f.Err
}

// New 创建类型化错误
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Wrap 包装底层错误
func Wrap(kind Kind, message string, err error) *Fault {
	return &Fault{Kind: kind, Message: message, Err: err}
}

// KindOf 提取错误类别，非 Fault 错误归类为 transient
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// Is 判断错误是否属于指定类别
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable 是否可重试（仅 transient 类错误）
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
