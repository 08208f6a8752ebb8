package mock

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stoik/smsledger/internal/models"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// Server exposes a Log over the LaML Messages.json API.
type Server struct {
	log       *Log
	projectID string
	authToken string
	logger    *zap.Logger
}

func NewServer(l *Log, projectID, authToken string, logger *zap.Logger) *Server {
	return &Server{log: l, projectID: projectID, authToken: authToken, logger: logger}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "messages": s.log.Len()})
	})

	accounts := r.Group("/api/laml/2010-04-01/Accounts", gin.BasicAuth(gin.Accounts{s.projectID: s.authToken}))
	accounts.GET("/:project/Messages.json", s.handleListMessages)

	admin := r.Group("/admin")
	{
		admin.POST("/messages/generate", s.handleGenerate)
		admin.POST("/messages/settle", s.handleSettle)
		admin.POST("/failures", s.handleFailures)
	}
	return r
}

func (s *Server) handleListMessages(c *gin.Context) {
	if c.Param("project") != s.projectID {
		c.JSON(http.StatusNotFound, gin.H{"code": 20404, "message": "The requested resource was not found"})
		return
	}
	if status, ok := s.log.takeFailure(); ok {
		s.logger.Info("injected failure", zap.Int("status", status))
		c.JSON(status, gin.H{"code": status, "message": "injected failure"})
		return
	}

	pageSize := defaultPageSize
	if raw := c.Query("PageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid PageSize"})
			return
		}
		pageSize = min(n, maxPageSize)
	}
	page := 0
	if raw := c.Query("Page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid Page"})
			return
		}
		page = n
	}

	since, err := parseDay(c.Query("DateSent>"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid DateSent>"})
		return
	}
	until, err := parseDay(c.Query("DateSent<"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid DateSent<"})
		return
	}

	all := s.log.Query(since, until)
	start := min(page*pageSize, len(all))
	end := min(start+pageSize, len(all))

	resp := models.ProviderMessagePage{
		Messages: all[start:end],
		Page:     page,
		PageSize: pageSize,
	}
	if end < len(all) {
		q := url.Values{}
		for k, v := range c.Request.URL.Query() {
			q[k] = v
		}
		q.Set("Page", strconv.Itoa(page+1))
		q.Set("PageSize", strconv.Itoa(pageSize))
		next := c.Request.URL.Path + "?" + q.Encode()
		resp.NextPageURI = &next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req struct {
		Count         int `json:"count"`
		LookbackHours int `json:"lookback_hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Count, _ = strconv.Atoi(c.DefaultQuery("count", "100"))
	}
	if req.Count < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be at least 1"})
		return
	}
	if req.LookbackHours < 1 {
		req.LookbackHours = 24
	}

	total := s.log.Generate(req.Count, time.Duration(req.LookbackHours)*time.Hour)
	c.JSON(http.StatusOK, gin.H{
		"added":   req.Count,
		"total":   total,
		"message": fmt.Sprintf("Added %d message(s). Total messages: %d", req.Count, total),
	})
}

func (s *Server) handleSettle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settled": s.log.Settle()})
}

func (s *Server) handleFailures(c *gin.Context) {
	var req struct {
		Count  int `json:"count" binding:"min=0"`
		Status int `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == 0 {
		req.Status = http.StatusServiceUnavailable
	}
	if req.Status < 400 || req.Status > 599 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be 4xx or 5xx"})
		return
	}
	s.log.FailNext(req.Count, req.Status)
	c.JSON(http.StatusOK, gin.H{"count": req.Count, "status": req.Status})
}

func parseDay(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", raw)
}
