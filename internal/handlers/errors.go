package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"messenger/internal/delivery"
	"messenger/internal/models"
)

var statusByCode = map[models.ErrorCode]int{
	models.CodeUnauthenticated: http.StatusUnauthorized,
	models.CodeForbidden:       http.StatusForbidden,
	models.CodeNotFound:        http.StatusNotFound,
	models.CodeValidation:      http.StatusBadRequest,
	models.CodeTimeout:         http.StatusGatewayTimeout,
	models.CodeRateLimited:     http.StatusTooManyRequests,
	models.CodeServerError:     http.StatusInternalServerError,
}

// writeError maps err onto the error taxonomy and its HTTP status.
func writeError(c *gin.Context, err error) {
	de := delivery.Classify(err)
	status, ok := statusByCode[de.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithFields(log.Fields{
			"path":       c.FullPath(),
			"request_id": requestIDFromContext(c),
		}).Error("request failed")
	}
	c.JSON(status, gin.H{"error": de.Message, "code": de.Code})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "code": models.CodeValidation})
}

func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}
