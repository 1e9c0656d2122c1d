// Package response 提供管理接口统一的 JSON 响应封装.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/fixengine/xerrors"
)

// Success 发送一个标准的成功响应：HTTP 200，业务码 0.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"msg":  "success",
		"data": data,
	})
}

// Error 根据 xerrors 类型映射状态码，无法识别的错误返回 500.
func Error(c *gin.Context, err error) {
	if err == nil {
		Success(c, nil)
		return
	}

	status := xerrors.HTTPStatusOf(err)
	code, msg, detail := status, err.Error(), ""
	if e, ok := xerrors.FromError(err); ok {
		code, msg, detail = e.Code, e.Message, e.Detail
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":   code,
		"msg":    msg,
		"detail": detail,
	})
}
