package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/middlewares"
	"chat-sync/models"
	"chat-sync/services"
	"chat-sync/utils"
)

// SaveUser stores the caller's profile. The storefront calls it after login
// so chat lists can show display names.
func (ctl *Controller) SaveUser(c *gin.Context) {
	var input struct {
		Name      string `json:"name"`
		Email     string `json:"email"`
		ReferCode string `json:"refercode"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}

	user := models.User{
		ID:        middlewares.CurrentUserID(c),
		Name:      input.Name,
		Email:     input.Email,
		ReferCode: input.ReferCode,
	}
	if err := services.SaveUser(c.Request.Context(), ctl.Store, user); err != nil {
		ctl.respondServiceError(c, err, "Failed to save user")
		return
	}
	utils.RespondSuccess(c, user, nil)
}

// GetUserInfo returns the caller's profile.
func (ctl *Controller) GetUserInfo(c *gin.Context) {
	ctl.respondUser(c, middlewares.CurrentUserID(c))
}

// GetUser returns another user's profile.
func (ctl *Controller) GetUser(c *gin.Context) {
	ctl.respondUser(c, c.Param("user_id"))
}

func (ctl *Controller) respondUser(c *gin.Context, userID string) {
	user, err := services.GetUser(c.Request.Context(), ctl.Store, userID)
	if err != nil {
		ctl.respondServiceError(c, err, "Failed to load user")
		return
	}
	utils.RespondSuccess(c, user, nil)
}
