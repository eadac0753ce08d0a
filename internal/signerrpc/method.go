// Package signerrpc 定义嵌入签名器的调用契约：操作枚举、请求与应答结构、错误码以及类型化客户端。
package signerrpc

import "strconv"

// Event 是请求中 action 字段的取值。
type Event string

const (
	EventCreate               Event = "create"
	EventRecover              Event = "recover"
	EventSign                 Event = "sign"
	EventSwitchChain          Event = "switch-chain"
	EventExport               Event = "export"
	EventSetRecoveryMethod    Event = "set-recovery-method"
	EventUpdateAuthentication Event = "update-authentication"
	EventLogout               Event = "logout"
	EventGetCurrentDevice     Event = "get-current-device"
)

// Method 是嵌入签名器暴露的操作。
type Method int

const (
	MethodCreate Method = iota
	MethodRecover
	MethodSign
	MethodSwitchChain
	MethodUpdateAuthentication
	MethodLogout
	MethodExport
	MethodSetRecoveryMethod
	MethodGetCurrentDevice
)

// Methods 按声明顺序列出全部操作。
var Methods = []Method{
	MethodCreate,
	MethodRecover,
	MethodSign,
	MethodSwitchChain,
	MethodUpdateAuthentication,
	MethodLogout,
	MethodExport,
	MethodSetRecoveryMethod,
	MethodGetCurrentDevice,
}

var methodNames = map[Method]string{
	MethodCreate:               "create",
	MethodRecover:              "recover",
	MethodSign:                 "sign",
	MethodSwitchChain:          "switchChain",
	MethodUpdateAuthentication: "updateAuthentication",
	MethodLogout:               "logout",
	MethodExport:               "export",
	MethodSetRecoveryMethod:    "setRecoveryMethod",
	MethodGetCurrentDevice:     "getCurrentDevice",
}

var methodEvents = map[Method]Event{
	MethodCreate:               EventCreate,
	MethodRecover:              EventRecover,
	MethodSign:                 EventSign,
	MethodSwitchChain:          EventSwitchChain,
	MethodUpdateAuthentication: EventUpdateAuthentication,
	MethodLogout:               EventLogout,
	MethodExport:               EventExport,
	MethodSetRecoveryMethod:    EventSetRecoveryMethod,
	MethodGetCurrentDevice:     EventGetCurrentDevice,
}

// String 返回对端方法表中的名称。
func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "method(" + strconv.Itoa(int(m)) + ")"
}

// Path 返回方法路径。
func (m Method) Path() []string { return []string{m.String()} }

// Event 返回请求的 action。
func (m Method) Event() Event { return methodEvents[m] }
