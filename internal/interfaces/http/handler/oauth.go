package handler

import (
	"context"
	"net/http"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/erp/invoicesync/internal/infrastructure/oauth"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Authorizer runs the OAuth authorization flow and owns stored credentials
type Authorizer interface {
	BuildAuthorizationURL(ctx context.Context, service integration.ServiceType) (*oauth.AuthorizationRequest, error)
	ExchangeCode(ctx context.Context, req oauth.ExchangeRequest) (*integration.TokenRecord, error)
	Connections(ctx context.Context) ([]oauth.ConnectionStatus, error)
	Revoke(ctx context.Context, service integration.ServiceType, instanceKey string) error
}

// OAuthHandler handles the authorization redirect, the provider callback
// and credential management
type OAuthHandler struct {
	BaseHandler
	auth Authorizer
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(auth Authorizer) *OAuthHandler {
	return &OAuthHandler{auth: auth}
}

// Authorize godoc
// @Summary      Begin authorization
// @Description  Redirects the browser to the provider consent page
// @Tags         auth
// @Param        service path string true "crm or accounting"
// @Success      302
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      500 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /auth/{service}/authorize [get]
func (h *OAuthHandler) Authorize(c *gin.Context) {
	service, err := integration.ParseServiceType(c.Param("service"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	req, err := h.auth.BuildAuthorizationURL(c.Request.Context(), service)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.Redirect(http.StatusFound, req.URL)
}

// Callback godoc
// @Summary      Complete authorization
// @Description  Exchanges the authorization code and stores the tokens.
// @Description  The accounting provider sends its company id as realmId.
// @Tags         auth
// @Produce      json
// @Param        service path string true "crm or accounting"
// @Param        code query string true "Authorization code"
// @Param        state query string true "Signed state"
// @Param        realmId query string false "Accounting company id"
// @Param        instance_url query string false "CRM instance URL override"
// @Success      200 {object} dto.Response{data=dto.AuthorizationCompletedResponse}
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /auth/{service}/callback [get]
func (h *OAuthHandler) Callback(c *gin.Context) {
	service, err := integration.ParseServiceType(c.Param("service"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	// The provider reports a denied consent on the callback itself
	if providerErr := c.Query("error"); providerErr != "" {
		logger.FromGin(c).Warn("Provider declined authorization",
			zap.String("service", service.String()),
			zap.String("provider_error", providerErr),
			zap.String("description", c.Query("error_description")),
		)
		h.Error(c, shared.CodeAuthExchangeFailed, "Authorization was declined: "+providerErr)
		return
	}

	hint := c.Query("realmId")
	if service == integration.ServiceCRM {
		hint = c.Query("instance_url")
	}

	rec, err := h.auth.ExchangeCode(c.Request.Context(), oauth.ExchangeRequest{
		Service:      service,
		Code:         c.Query("code"),
		State:        c.Query("state"),
		InstanceHint: hint,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToAuthorizationCompletedResponse(rec))
}

// Status godoc
// @Summary      List stored connections
// @Tags         auth
// @Produce      json
// @Success      200 {object} dto.Response{data=[]oauth.ConnectionStatus}
// @Router       /auth/status [get]
func (h *OAuthHandler) Status(c *gin.Context) {
	conns, err := h.auth.Connections(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if conns == nil {
		conns = []oauth.ConnectionStatus{}
	}
	h.Success(c, conns)
}

// Revoke godoc
// @Summary      Disconnect an instance
// @Description  Revokes the grant at the provider and deletes the stored tokens.
// @Description  CRM instance keys are URLs and must be path-escaped.
// @Tags         auth
// @Param        service path string true "crm or accounting"
// @Param        instance path string true "Instance key"
// @Success      204
// @Failure      401 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /auth/{service}/{instance} [delete]
func (h *OAuthHandler) Revoke(c *gin.Context) {
	service, err := integration.ParseServiceType(c.Param("service"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.auth.Revoke(c.Request.Context(), service, c.Param("instance")); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}
