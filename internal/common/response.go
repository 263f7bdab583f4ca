package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/turn-gateway/internal/apperr"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

// Fail writes the structured error body and aborts the handler chain.
func Fail(c *gin.Context, err error) {
	e := apperr.As(err)
	body := gin.H{
		"kind":    e.Kind,
		"message": e.Message,
	}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	c.AbortWithStatusJSON(e.Kind.Status(), body)
}

func FailKind(c *gin.Context, kind apperr.Kind, msg string) {
	Fail(c, apperr.New(kind, msg))
}
