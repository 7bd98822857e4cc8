// Package handler HTTP 处理器
package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/middleware"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/pkg/casxml"
)

// CASHandler CAS 协议处理器
// 薄传输层：解析请求参数，调用票据引擎，把校验结果一一映射为协议响应
type CASHandler struct {
	authService   service.AuthService
	ticketService service.TicketService
}

// NewCASHandler 创建 CAS 处理器
func NewCASHandler(authSvc service.AuthService, ticketSvc service.TicketService) *CASHandler {
	return &CASHandler{
		authService:   authSvc,
		ticketService: ticketSvc,
	}
}

// RegisterRoutes 注册 CAS 协议路由
func (h *CASHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/login")
	})
	router.GET("/login", middleware.TGTCookie(h.ticketService), h.LoginPage)
	router.POST("/login", h.ProcessLogin)
	router.GET("/logout", h.Logout)
	router.GET("/validate", h.Validate)
	router.GET("/serviceValidate", h.ServiceValidate)
	router.GET("/proxyValidate", h.ProxyValidate)
	router.GET("/proxy", h.Proxy)
}

// noCache 登录页禁止缓存
func noCache(c *gin.Context) {
	c.Header("Pragma", "no-cache")
	c.Header("Cache-Control", "no-store")
	c.Header("Expires", "0")
}

// serviceRedirectURL 在目标服务地址上追加 ticket 参数
func serviceRedirectURL(serviceURL, ticket string) (string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("ticket", ticket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LoginPage 登录页
// GET /login
// 已持有有效 TGT Cookie 且带 service 参数时直接签发 ST 跳回服务
func (h *CASHandler) LoginPage(c *gin.Context) {
	noCache(c)
	serviceURL := c.Query("service")

	if username, ok := c.Get("username"); ok {
		tgtID := c.GetString("tgt_id")
		if serviceURL != "" {
			st, err := h.ticketService.IssueST(c.Request.Context(), tgtID, serviceURL)
			if err == nil {
				if target, uerr := serviceRedirectURL(serviceURL, st.ID); uerr == nil {
					c.Redirect(http.StatusSeeOther, target)
					return
				}
			}
			// TGT 在校验与签发之间失效，回落到登录表单
		} else {
			c.HTML(http.StatusOK, "logged_in.html", gin.H{"Username": username})
			return
		}
	}

	c.HTML(http.StatusOK, "login.html", gin.H{"Service": serviceURL})
}

// ProcessLogin 处理登录表单
// POST /login
func (h *CASHandler) ProcessLogin(c *gin.Context) {
	noCache(c)
	username := c.PostForm("username")
	password := c.PostForm("password")
	serviceURL := c.PostForm("service")

	if username == "" || password == "" {
		c.HTML(http.StatusBadRequest, "login.html", gin.H{
			"Service": serviceURL,
			"Error":   "请输入用户名和密码",
		})
		return
	}

	user, err := h.authService.Authenticate(c.Request.Context(), username, password)
	if err != nil {
		msg := "用户名或密码错误"
		switch {
		case errors.Is(err, service.ErrAccountLocked):
			msg = "账户已锁定，请稍后再试"
		case errors.Is(err, service.ErrAccountDisabled):
			msg = "账户已禁用"
		}
		c.HTML(http.StatusUnauthorized, "login.html", gin.H{
			"Service": serviceURL,
			"Error":   msg,
		})
		return
	}

	tgt, err := h.ticketService.IssueTGT(c.Request.Context(), user.Username, c.ClientIP())
	if err != nil {
		c.HTML(http.StatusServiceUnavailable, "login.html", gin.H{
			"Service": serviceURL,
			"Error":   "服务暂时不可用，请稍后重试",
		})
		return
	}

	// TGC 为会话 Cookie，仅 HTTP 访问
	c.SetCookie(middleware.TGTCookieName, tgt.ToCookie(), 0, "/", "", false, true)

	if serviceURL != "" {
		st, err := h.ticketService.IssueST(c.Request.Context(), tgt.ID, serviceURL)
		if err == nil {
			if target, uerr := serviceRedirectURL(serviceURL, st.ID); uerr == nil {
				c.Redirect(http.StatusSeeOther, target)
				return
			}
		}
	}

	c.HTML(http.StatusOK, "logged_in.html", gin.H{"Username": user.Username})
}

// Logout 登出
// GET /logout
// 删除 TGT 是幂等的：重复登出不报错
func (h *CASHandler) Logout(c *gin.Context) {
	noCache(c)
	if cookie, err := c.Cookie(middleware.TGTCookieName); err == nil && cookie != "" {
		if err := h.ticketService.DeleteTGT(c.Request.Context(), cookie); err != nil {
			c.String(http.StatusServiceUnavailable, "服务暂时不可用")
			return
		}
	}
	c.SetCookie(middleware.TGTCookieName, "", -1, "/", "", false, true)
	c.HTML(http.StatusOK, "logged_out.html", nil)
}

// Validate CAS 1.0 校验端点，纯文本响应
// GET /validate
func (h *CASHandler) Validate(c *gin.Context) {
	result := h.ticketService.ValidateST(c.Request.Context(), c.Query("ticket"), c.Query("service"), "")
	if result.Valid() {
		c.String(http.StatusOK, "yes\n%s\n", result.Username)
		return
	}
	c.String(http.StatusOK, "no\n\n")
}

// ServiceValidate CAS 2.0 ST 校验端点
// GET /serviceValidate
func (h *CASHandler) ServiceValidate(c *gin.Context) {
	serviceURL := c.Query("service")
	if serviceURL == "" {
		c.XML(http.StatusOK, casxml.AuthFailure(casxml.CodeInvalidRequest, "未提供 service 参数"))
		return
	}

	result := h.ticketService.ValidateST(c.Request.Context(), c.Query("ticket"), serviceURL, c.Query("pgtUrl"))
	h.writeValidationResult(c, result)
}

// ProxyValidate CAS 2.0 代理校验端点，接受 ST 或 PT
// GET /proxyValidate
func (h *CASHandler) ProxyValidate(c *gin.Context) {
	serviceURL := c.Query("service")
	if serviceURL == "" {
		c.XML(http.StatusOK, casxml.AuthFailure(casxml.CodeInvalidRequest, "未提供 service 参数"))
		return
	}

	ticket := c.Query("ticket")
	var result *service.ValidationResult
	if strings.HasPrefix(ticket, model.PrefixPT+"-") {
		result = h.ticketService.ValidatePT(c.Request.Context(), ticket, serviceURL, c.Query("pgtUrl"))
	} else {
		result = h.ticketService.ValidateST(c.Request.Context(), ticket, serviceURL, c.Query("pgtUrl"))
	}
	h.writeValidationResult(c, result)
}

// Proxy PT 签发端点
// GET /proxy
func (h *CASHandler) Proxy(c *gin.Context) {
	pgtID := c.Query("pgt")
	targetService := c.Query("targetService")
	if pgtID == "" || targetService == "" {
		c.XML(http.StatusOK, casxml.ProxyDenied(casxml.CodeInvalidRequest, "未提供 pgt 或 targetService 参数"))
		return
	}

	pt, err := h.ticketService.IssuePT(c.Request.Context(), pgtID, targetService)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPGTNotFound), errors.Is(err, service.ErrPGTExpired):
			c.XML(http.StatusOK, casxml.ProxyDenied(casxml.CodeBadPGT, err.Error()))
		default:
			c.XML(http.StatusServiceUnavailable, casxml.ProxyDenied(casxml.CodeInternalError, "服务暂时不可用"))
		}
		return
	}

	c.XML(http.StatusOK, casxml.ProxyGranted(pt.ID))
}

// writeValidationResult 校验结果到协议响应的一一映射
func (h *CASHandler) writeValidationResult(c *gin.Context, result *service.ValidationResult) {
	switch result.Outcome {
	case service.OutcomeValid:
		c.XML(http.StatusOK, casxml.AuthSuccess(result.Username, result.PGTIOU, result.ProxyChain))
	case service.OutcomeNotGiven:
		c.XML(http.StatusOK, casxml.AuthFailure(casxml.CodeInvalidRequest, result.Message))
	case service.OutcomeServiceMismatch:
		c.XML(http.StatusOK, casxml.AuthFailure(casxml.CodeInvalidService, result.Message))
	case service.OutcomeUnavailable:
		c.XML(http.StatusServiceUnavailable, casxml.AuthFailure(casxml.CodeInternalError, result.Message))
	default:
		// 不存在、已过期、已被使用，统一为 INVALID_TICKET，消息区分
		c.XML(http.StatusOK, casxml.AuthFailure(casxml.CodeInvalidTicket, result.Message))
	}
}
