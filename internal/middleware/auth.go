package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/service"
)

// TGTCookieName SSO 会话 Cookie 名
const TGTCookieName = "tgt"

// TGTCookie TGC Cookie 解析中间件
// 校验浏览器携带的 TGT Cookie（非消费性），有效时把会话信息写入上下文。
// 不拦截请求：登录页既服务已登录用户也服务未登录用户
func TGTCookie(ticketService service.TicketService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Cookie(TGTCookieName)
		if err != nil || cookie == "" {
			c.Next()
			return
		}

		result := ticketService.ValidateTGTCookie(c.Request.Context(), cookie)
		if result.Valid() {
			c.Set("tgt_id", cookie)
			c.Set("username", result.Username)
		}

		c.Next()
	}
}
