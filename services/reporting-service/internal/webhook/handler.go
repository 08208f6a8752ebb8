package webhook

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxPayloadBytes = 64 << 10

// Handler exposes the receiver over HTTP. Providers post form-encoded
// callbacks; JSON bodies are accepted too.
type Handler struct {
	receiver *Receiver
	log      *zap.Logger
}

func NewHandler(r *Receiver, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{receiver: r, log: log.Named("webhook_http")}
}

// Register mounts the delivery-receipt routes.
func (h *Handler) Register(router gin.IRouter) {
	router.POST("/webhooks/dlr", h.receive)
	router.GET("/webhooks/dlr", h.liveness)
}

func (h *Handler) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handler) receive(c *gin.Context) {
	payload, err := payloadFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.receiver.Receive(c.Request.Context(), payload)
	switch {
	case errors.Is(err, ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("failed to process delivery event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
}

func payloadFromRequest(c *gin.Context) (Payload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes)

	if strings.HasPrefix(c.ContentType(), "application/json") {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		return PayloadFromJSON(data)
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	p := make(Payload, len(c.Request.Form))
	for k, values := range c.Request.Form {
		if len(values) > 0 {
			p[k] = values[0]
		}
	}
	return p, nil
}
