package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/immxrtalbeast/teamsync/internal/api/http/converter"
	"github.com/immxrtalbeast/teamsync/internal/repository"
	"github.com/immxrtalbeast/teamsync/internal/service"
)

type PresenceController struct {
	presence service.PresenceInteractor
}

func NewPresenceController(presence service.PresenceInteractor) *PresenceController {
	return &PresenceController{presence: presence}
}

func (c *PresenceController) ListPresence(ctx *gin.Context) {
	list, err := c.presence.ListPresence(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"presence": converter.PresenceListToApi(list)})
}

func (c *PresenceController) GetPresence(ctx *gin.Context) {
	record, err := c.presence.GetPresence(ctx.Request.Context(), ctx.Param("userID"))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, repository.ErrPresenceNotFound):
			status = http.StatusNotFound
		case errors.Is(err, service.ErrUserIDRequired):
			status = http.StatusBadRequest
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"presence": converter.PresenceToApi(record)})
}
