package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stoik/smsledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{SpaceURL: srv.URL, ProjectID: "proj", AuthToken: "tok", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{SpaceURL: "example.signalwire.com"})
	require.Error(t, err)
}

func TestNewClient_DefaultsToHTTPS(t *testing.T) {
	c, err := NewClient(ClientConfig{SpaceURL: "example.signalwire.com", ProjectID: "p", AuthToken: "t"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.signalwire.com/api/laml/2010-04-01/Accounts/p/Messages.json", c.messagesURL())
}

func TestClient_FirstPage(t *testing.T) {
	var gotQuery map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "proj", user)
		assert.Equal(t, "tok", pass)
		assert.Equal(t, "/api/laml/2010-04-01/Accounts/proj/Messages.json", r.URL.Path)
		gotQuery = r.URL.Query()

		next := "/api/laml/2010-04-01/Accounts/proj/Messages.json?Page=1&PageToken=abc"
		_ = json.NewEncoder(w).Encode(models.ProviderMessagePage{
			Messages:    []models.ProviderMessage{{SID: "SM1", Status: "delivered"}},
			NextPageURI: &next,
		})
	})

	window := models.Window{
		Since: time.Date(2024, 11, 25, 10, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 11, 26, 10, 0, 0, 0, time.UTC),
	}
	page, err := c.ListMessages(context.Background(), window, "", 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.NotNil(t, page.NextPageURI)

	assert.Equal(t, []string{"50"}, gotQuery["PageSize"])
	assert.Equal(t, []string{"2024-11-25"}, gotQuery["DateSent>"])
	assert.Equal(t, []string{"2024-11-27"}, gotQuery["DateSent<"])
}

func TestClient_FollowsCursor(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("PageToken"))
		assert.Empty(t, r.URL.Query().Get("DateSent>"))
		_ = json.NewEncoder(w).Encode(models.ProviderMessagePage{})
	})

	_, err := c.ListMessages(context.Background(), models.Window{}, "/api/laml/2010-04-01/Accounts/proj/Messages.json?PageToken=abc", 100)
	require.NoError(t, err)
}

func TestClient_RejectsForeignCursor(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})
	_, err := c.ListMessages(context.Background(), models.Window{}, "https://evil.example.com/steal", 100)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"forbidden", http.StatusForbidden, false},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, err := c.ListMessages(context.Background(), models.Window{}, "", 10)
			require.Error(t, err)
			assert.Equal(t, tc.transient, IsTransient(err))

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tc.status, statusErr.StatusCode)
		})
	}
}

func TestClient_MalformedBodyIsNotTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	})
	_, err := c.ListMessages(context.Background(), models.Window{}, "", 10)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(ClientConfig{SpaceURL: url, ProjectID: "p", AuthToken: "t", Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.ListMessages(context.Background(), models.Window{}, "", 10)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClient_TruncatedBodyIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write([]byte(`{"messages":[{"sid":"SM1",`))
	})
	_, err := c.ListMessages(context.Background(), models.Window{}, "", 10)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestClient_StalledBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[`))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{SpaceURL: srv.URL, ProjectID: "p", AuthToken: "t", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.ListMessages(context.Background(), models.Window{}, "", 10)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
