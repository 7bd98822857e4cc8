// Package casxml CAS 2.0 协议 XML 响应结构
// 传输层将票据校验结果一一映射到这里的响应体
package casxml

import "encoding/xml"

// Namespace CAS 协议命名空间
const Namespace = "http://www.yale.edu/tp/cas"

// CAS 协议错误码
const (
	CodeInvalidRequest = "INVALID_REQUEST" // 缺少必要参数
	CodeInvalidTicket  = "INVALID_TICKET"  // 票据不存在、已过期或已被使用
	CodeInvalidService = "INVALID_SERVICE" // 票据与目标服务不匹配
	CodeBadPGT         = "BAD_PGT"         // PGT 无效
	CodeInternalError  = "INTERNAL_ERROR"  // 服务内部错误
)

// ServiceResponse cas:serviceResponse 响应根元素
type ServiceResponse struct {
	XMLName xml.Name `xml:"cas:serviceResponse"`
	XMLNS   string   `xml:"xmlns:cas,attr"`

	AuthenticationSuccess *AuthenticationSuccess `xml:"cas:authenticationSuccess,omitempty"`
	AuthenticationFailure *Failure               `xml:"cas:authenticationFailure,omitempty"`
	ProxySuccess          *ProxySuccess          `xml:"cas:proxySuccess,omitempty"`
	ProxyFailure          *Failure               `xml:"cas:proxyFailure,omitempty"`
}

// AuthenticationSuccess 校验通过
type AuthenticationSuccess struct {
	User                string   `xml:"cas:user"`
	ProxyGrantingTicket string   `xml:"cas:proxyGrantingTicket,omitempty"`
	Proxies             *Proxies `xml:"cas:proxies,omitempty"`
}

// Proxies 代理链，最近的代理在前
type Proxies struct {
	Proxy []string `xml:"cas:proxy"`
}

// Failure 校验失败，code 为协议错误码，正文为诊断消息
type Failure struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// ProxySuccess 代理票据签发成功
type ProxySuccess struct {
	ProxyTicket string `xml:"cas:proxyTicket"`
}

// AuthSuccess 构造校验通过响应
func AuthSuccess(user, pgtIOU string, proxies []string) *ServiceResponse {
	success := &AuthenticationSuccess{
		User:                user,
		ProxyGrantingTicket: pgtIOU,
	}
	if len(proxies) > 0 {
		success.Proxies = &Proxies{Proxy: proxies}
	}
	return &ServiceResponse{
		XMLNS:                 Namespace,
		AuthenticationSuccess: success,
	}
}

// AuthFailure 构造校验失败响应
func AuthFailure(code, message string) *ServiceResponse {
	return &ServiceResponse{
		XMLNS:                 Namespace,
		AuthenticationFailure: &Failure{Code: code, Message: message},
	}
}

// ProxyGranted 构造 PT 签发成功响应
func ProxyGranted(proxyTicket string) *ServiceResponse {
	return &ServiceResponse{
		XMLNS:        Namespace,
		ProxySuccess: &ProxySuccess{ProxyTicket: proxyTicket},
	}
}

// ProxyDenied 构造 PT 签发失败响应
func ProxyDenied(code, message string) *ServiceResponse {
	return &ServiceResponse{
		XMLNS:        Namespace,
		ProxyFailure: &Failure{Code: code, Message: message},
	}
}
