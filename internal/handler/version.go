package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ProtocolVersion is bumped whenever the awareness relay or history wire
// format changes incompatibly.
const ProtocolVersion = 1

type VersionHandler struct{}

// Check reports whether a client speaking ?protocol=N must upgrade.
func (h *VersionHandler) Check(c *gin.Context) {
	client, err := strconv.Atoi(c.DefaultQuery("protocol", strconv.Itoa(ProtocolVersion)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid protocol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"protocol": ProtocolVersion, "update_required": client < ProtocolVersion})
}
