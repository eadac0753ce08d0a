package signerrpc

// ChainTypeEVM 是目前唯一支持的链类型。
const ChainTypeEVM = "EVM"

// AccountTypeEOA 是外部拥有账户，其余取值都按智能账户处理。
const AccountTypeEOA = "Externally Owned Account"

// AuthType 是 Shield 认证方式。
type AuthType string

const (
	AuthTypeOpenfort AuthType = "openfort"
	AuthTypeCustom   AuthType = "custom"
)

// ShieldAuthentication 是恢复服务的认证信息。
type ShieldAuthentication struct {
	Auth              AuthType `json:"auth"`
	AuthProvider      string   `json:"authProvider,omitempty"`
	Token             string   `json:"token"`
	TokenType         string   `json:"tokenType,omitempty"`
	EncryptionSession string   `json:"encryptionSession,omitempty"`
}

// RequestConfiguration 随每个请求下发，携带当前认证快照与静态配置。
type RequestConfiguration struct {
	Token                string                `json:"token"`
	ThirdPartyProvider   string                `json:"thirdPartyProvider,omitempty"`
	ThirdPartyTokenType  string                `json:"thirdPartyTokenType,omitempty"`
	PublishableKey       string                `json:"publishableKey"`
	OpenfortURL          string                `json:"openfortURL,omitempty"`
	ShieldAuthentication *ShieldAuthentication `json:"shieldAuthentication,omitempty"`
	ShieldAPIKey         string                `json:"shieldAPIKey,omitempty"`
	ShieldURL            string                `json:"shieldURL,omitempty"`
	EncryptionKey        string                `json:"encryptionKey,omitempty"`
	AppNativeIdentifier  string                `json:"appNativeIdentifier,omitempty"`
}

// Header 是所有请求共有的字段，由 Client 填充。
type Header struct {
	UUID   string `json:"uuid"`
	Action Event  `json:"action"`
}

func (h *Header) header() *Header { return h }

// Request 是可以交给 Client.Invoke 的请求。
type Request interface {
	header() *Header
}

// Passkey 是通行密钥派生的熵。
type Passkey struct {
	ID  string `json:"id"`
	Key string `json:"key,omitempty"`
}

// Entropy 是用户持有的秘密材料，三者至多出现一个。
type Entropy struct {
	RecoveryPassword  string   `json:"recoveryPassword,omitempty"`
	EncryptionSession string   `json:"encryptionSession,omitempty"`
	Passkey           *Passkey `json:"passkey,omitempty"`
}

// CreateRequest 在嵌入上下文中创建新账户。
type CreateRequest struct {
	Header
	AccountType          string                `json:"accountType"`
	ChainType            string                `json:"chainType"`
	ChainID              *int64                `json:"chainId,omitempty"`
	Entropy              *Entropy              `json:"entropy,omitempty"`
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// RecoverRequest 为已有账户恢复签名能力。
type RecoverRequest struct {
	Header
	Account              string                `json:"account"`
	Entropy              *Entropy              `json:"entropy,omitempty"`
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// SignRequest 请求对消息签名。
type SignRequest struct {
	Header
	Message              string                `json:"message"`
	RequireArrayify      bool                  `json:"requireArrayify,omitempty"`
	RequireHash          bool                  `json:"requireHash,omitempty"`
	ChainType            string                `json:"chainType,omitempty"`
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// SwitchChainRequest 切换账户绑定的链。
type SwitchChainRequest struct {
	Header
	ChainID              int64                 `json:"chainId"`
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// ExportRequest 请求导出私钥。
type ExportRequest struct {
	Header
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// SetRecoveryMethodRequest 修改恢复方式。
type SetRecoveryMethodRequest struct {
	Header
	RecoveryMethod       string                `json:"recoveryMethod"`
	RecoveryPassword     string                `json:"recoveryPassword,omitempty"`
	EncryptionSession    string                `json:"encryptionSession,omitempty"`
	Passkey              *Passkey              `json:"passkey,omitempty"`
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// UpdateAuthenticationRequest 把刷新后的令牌推送给嵌入上下文。
type UpdateAuthenticationRequest struct {
	Header
	AccessToken string                `json:"accessToken"`
	Recovery    *ShieldAuthentication `json:"recovery,omitempty"`
}

// LogoutRequest 通知嵌入上下文清除会话。
type LogoutRequest struct {
	Header
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// GetCurrentDeviceRequest 查询玩家在嵌入上下文中是否已有签名器。
type GetCurrentDeviceRequest struct {
	Header
	PlayerID             string                `json:"playerId"`
	RequestConfiguration *RequestConfiguration `json:"requestConfiguration,omitempty"`
}

// AccountResponse 是 create / recover / switchChain 的应答。
type AccountResponse struct {
	Success      bool   `json:"success"`
	ID           string `json:"id"`
	Address      string `json:"address"`
	ChainID      int64  `json:"chainId"`
	OwnerAddress string `json:"ownerAddress,omitempty"`
	AccountType  string `json:"accountType"`
	ChainType    string `json:"chainType,omitempty"`
}

func (r *AccountResponse) valid() bool { return r.Address != "" || r.ID != "" }

// SignResponse 是签名结果。
type SignResponse struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature"`
}

func (r *SignResponse) valid() bool { return r.Signature != "" }

// ExportResponse 携带导出的私钥。
type ExportResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
}

func (r *ExportResponse) valid() bool { return r.Key != "" }

// DeviceResponse 是 getCurrentDevice 的应答，Account 为空表示没有签名器。
type DeviceResponse struct {
	Success bool             `json:"success"`
	Account *AccountResponse `json:"account"`
}

func (r *DeviceResponse) valid() bool { return r.Account == nil || r.Account.valid() }

// Ack 是只携带成功标记的应答。
type Ack struct {
	Success bool `json:"success"`
}

func (r *Ack) valid() bool { return true }

type validator interface {
	valid() bool
}
