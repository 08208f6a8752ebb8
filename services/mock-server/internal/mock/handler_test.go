package mock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stoik/smsledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const listPath = "/api/laml/2010-04-01/Accounts/proj/Messages.json"

var now = time.Date(2024, 11, 25, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, n int) (*Log, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := NewLog(42)
	l.now = func() time.Time { return now }
	l.Generate(n, 12*time.Hour)
	return l, NewServer(l, "proj", "secret", zap.NewNop()).Router()
}

func list(t *testing.T, r http.Handler, target string) (*httptest.ResponseRecorder, models.ProviderMessagePage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("proj", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var page models.ProviderMessagePage
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	}
	return w, page
}

func TestListMessages_PagesThroughEverything(t *testing.T) {
	_, r := setup(t, 120)

	seen := map[string]bool{}
	target := listPath + "?PageSize=50"
	pages := 0
	for {
		w, page := list(t, r, target)
		require.Equal(t, http.StatusOK, w.Code)
		pages++
		for _, m := range page.Messages {
			assert.False(t, seen[m.SID], "duplicate %s", m.SID)
			seen[m.SID] = true
		}
		if page.NextPageURI == nil {
			break
		}
		assert.True(t, strings.HasPrefix(*page.NextPageURI, listPath+"?"))
		target = *page.NextPageURI
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 120)
}

func TestListMessages_NewestFirst(t *testing.T) {
	_, r := setup(t, 30)

	_, page := list(t, r, listPath+"?PageSize=30")
	require.Len(t, page.Messages, 30)
	for i := 1; i < len(page.Messages); i++ {
		prev, err := time.Parse(time.RFC1123Z, page.Messages[i-1].DateCreated)
		require.NoError(t, err)
		cur, err := time.Parse(time.RFC1123Z, page.Messages[i].DateCreated)
		require.NoError(t, err)
		assert.False(t, cur.After(prev))
	}
}

func TestListMessages_DateFilter(t *testing.T) {
	l, r := setup(t, 0)
	l.Add(
		models.ProviderMessage{SID: "SM1", DateCreated: "Sat, 23 Nov 2024 10:00:00 +0000", Status: "delivered"},
		models.ProviderMessage{SID: "SM2", DateCreated: "Sun, 24 Nov 2024 10:00:00 +0000", Status: "delivered"},
		models.ProviderMessage{SID: "SM3", DateCreated: "Mon, 25 Nov 2024 10:00:00 +0000", Status: "delivered"},
	)

	_, page := list(t, r, listPath+"?DateSent%3E=2024-11-24&DateSent%3C=2024-11-25")
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "SM2", page.Messages[0].SID)

	w, _ := list(t, r, listPath+"?DateSent%3E=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListMessages_RequiresAuth(t *testing.T) {
	_, r := setup(t, 1)

	req := httptest.NewRequest(http.MethodGet, listPath, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = list(t, r, "/api/laml/2010-04-01/Accounts/other/Messages.json")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListMessages_InjectedFailures(t *testing.T) {
	_, r := setup(t, 5)

	req := httptest.NewRequest(http.MethodPost, "/admin/failures", strings.NewReader(`{"count":2,"status":429}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = list(t, r, listPath)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	w, _ = list(t, r, listPath)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	w, page := list(t, r, listPath)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, page.Messages, 5)
}

func TestGenerateAndSettle(t *testing.T) {
	l, r := setup(t, 200)

	req := httptest.NewRequest(http.MethodPost, "/admin/messages/generate?count=10", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 210, l.Len())

	l.Settle()
	for _, m := range l.Query(time.Time{}, time.Time{}) {
		assert.NotEqual(t, "sent", m.Status)
		if m.Status == "failed" || m.Status == "undelivered" {
			assert.NotEqual(t, "null", string(m.ErrorCode))
			assert.NotNil(t, m.ErrorMessage)
		}
	}
}
