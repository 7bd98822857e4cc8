package model

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// CAS 票据前缀
const (
	PrefixTGT    = "TGC"    // Ticket Granting Cookie/Ticket
	PrefixST     = "ST"     // Service Ticket
	PrefixPGT    = "PGT"    // Proxy Granting Ticket
	PrefixPT     = "PT"     // Proxy Ticket
	PrefixPGTIOU = "PGTIOU" // PGT IOU，用于回调配对
)

// ticketIDBytes 票据标识随机字节数，base64url 编码后 32 字符
const ticketIDBytes = 24

// NewTicketID 生成带前缀的票据标识
// 使用密码学随机源，base64url 编码，可安全放入 Cookie 和 URL 查询参数。
// 随机源不可用属于不可恢复的致命错误，直接 panic
func NewTicketID(prefix string) string {
	buf := make([]byte, ticketIDBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("票据随机源不可用: " + err.Error())
	}
	return prefix + "-" + base64.RawURLEncoding.EncodeToString(buf)
}

// Expired 判断票据是否过期
// window 为 0 表示永不过期；否则当 now 距 createdAt 超过 window 时过期
func Expired(createdAt time.Time, window time.Duration, now time.Time) bool {
	if window == 0 {
		return false
	}
	return now.Sub(createdAt) > window
}

// Consumption 一次性票据的消费状态
// consumed_at 只会被设置一次（由存储层原子完成），之后不再清除或覆盖
type Consumption struct {
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Consumed 票据是否已被消费
func (c *Consumption) Consumed() bool {
	return c.ConsumedAt != nil
}

// TicketGrantingTicket CAS TGT，SSO 会话的根凭据
// 登录成功时签发，登出或过期时销毁，可多次校验（校验不消费）
type TicketGrantingTicket struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	ClientHostname string    `json:"client_hostname"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToCookie TGT 以 Cookie 形式下发给浏览器
func (t *TicketGrantingTicket) ToCookie() string {
	return t.ID
}

// IsExpired 检查 TGT 是否过期
func (t *TicketGrantingTicket) IsExpired(window time.Duration, now time.Time) bool {
	return Expired(t.CreatedAt, window, now)
}

// ServiceTicket CAS ST，面向单个目标服务的一次性凭据
type ServiceTicket struct {
	ID        string    `json:"id"`
	TGTID     string    `json:"tgt_id"`
	Username  string    `json:"username"`
	Service   string    `json:"service"`
	CreatedAt time.Time `json:"created_at"`
	Consumption
}

// IsExpired 检查 ST 是否过期
func (st *ServiceTicket) IsExpired(window time.Duration, now time.Time) bool {
	return Expired(st.CreatedAt, window, now)
}

// ProxyGrantingTicket CAS PGT
// 签发给成功校验 ST 并请求代理能力的服务，可多次用于签发 PT
type ProxyGrantingTicket struct {
	ID          string    `json:"id"`
	IOU         string    `json:"iou"`
	TGTID       string    `json:"tgt_id"`
	STID        string    `json:"st_id"`
	Username    string    `json:"username"`
	CallbackURL string    `json:"callback_url"`
	CreatedAt   time.Time `json:"created_at"`

	// ProxyChain 代理链，最近的代理在前
	// 本 PGT 的回调地址位于链首，其后是上游代理的回调地址
	ProxyChain []string `json:"proxy_chain"`
}

// IsExpired 检查 PGT 是否过期
func (pgt *ProxyGrantingTicket) IsExpired(window time.Duration, now time.Time) bool {
	return Expired(pgt.CreatedAt, window, now)
}

// ProxyTicket CAS PT，经 PGT 签发的一次性凭据，携带完整代理链
type ProxyTicket struct {
	ID        string    `json:"id"`
	PGTID     string    `json:"pgt_id"`
	Username  string    `json:"username"`
	Service   string    `json:"service"`
	CreatedAt time.Time `json:"created_at"`

	// ProxyChain 继承自签发它的 PGT，最近的代理在前
	ProxyChain []string `json:"proxy_chain"`
	Consumption
}

// IsExpired 检查 PT 是否过期
func (pt *ProxyTicket) IsExpired(window time.Duration, now time.Time) bool {
	return Expired(pt.CreatedAt, window, now)
}
