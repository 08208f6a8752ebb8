package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stoik/smsledger/services/reporting-service/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter(m Merger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(newTestReceiver(m), zap.NewNop()).Register(router)
	return router
}

func TestHandler_FormCallback(t *testing.T) {
	m := new(mockMerger)
	m.On("Merge", mock.Anything, mock.Anything).Return(reconcile.Created, nil).Once()
	router := newRouter(m)

	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}, "To": {"+15550001111"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "created", body["result"])
	m.AssertExpectations(t)
}

func TestHandler_JSONCallback(t *testing.T) {
	m := new(mockMerger)
	m.On("Merge", mock.Anything, mock.Anything).Return(reconcile.Updated, nil).Once()
	router := newRouter(m)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr",
		strings.NewReader(`{"message_sid":"SM1","status":"failed","error_code":30007}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	m.AssertExpectations(t)
}

func TestHandler_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		result reconcile.MergeResult
		err    error
		want   int
	}{
		{name: "malformed", body: `{"status":"delivered"}`, want: http.StatusBadRequest},
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "store failure", body: `{"sid":"SM1","status":"sent"}`, err: errors.New("db down"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := new(mockMerger)
			m.On("Merge", mock.Anything, mock.Anything).Return(tc.result, tc.err).Maybe()
			router := newRouter(m)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestHandler_Liveness(t *testing.T) {
	router := newRouter(new(mockMerger))
	req := httptest.NewRequestWithContext(context.Background(), http.MethodGet, "/webhooks/dlr", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
