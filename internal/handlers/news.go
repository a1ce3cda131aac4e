package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/techtrendlabs/techtrend/internal/news"
	appErrors "github.com/techtrendlabs/techtrend/pkg/errors"
	"github.com/techtrendlabs/techtrend/pkg/response"
)

// NewsHandler serves the dashboard headlines.
type NewsHandler struct {
	svc *news.Service
}

func NewNewsHandler(svc *news.Service) *NewsHandler {
	return &NewsHandler{svc: svc}
}

// GET /api/news
func (h *NewsHandler) Latest(c *gin.Context) {
	result, err := h.svc.Latest(requestContext(c), c.Query("q"))
	if err != nil {
		if errors.Is(err, news.ErrUnavailable) {
			response.Error(c, appErrors.New("news.unavailable", "News feed temporarily unavailable", http.StatusBadGateway))
			return
		}
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, result)
}
