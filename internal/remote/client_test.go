package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, register func(router *gin.Engine)) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL + "/", PushTimeout: time.Second, PullTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return client
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}

func TestPushSendsBearerTokenAndDecodesResults(t *testing.T) {
	var gotAuthorization string
	client := newTestServer(t, func(router *gin.Engine) {
		router.POST(protocol.PathPush, func(c *gin.Context) {
			gotAuthorization = c.GetHeader("Authorization")
			var request protocol.PushRequest
			require.NoError(t, c.ShouldBindJSON(&request))
			results := make([]protocol.PushResult, 0, len(request.Records))
			for _, record := range request.Records {
				results = append(results, protocol.PushResult{UUID: record.UUID, Accepted: true})
			}
			c.JSON(http.StatusOK, protocol.PushResponse{Table: request.Table, Results: results})
		})
	})

	response, err := client.Push(context.Background(), "token-1", protocol.PushRequest{
		Table:   records.TableCustomers,
		Records: []records.Record{{Table: records.TableCustomers, UUID: "c-1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer token-1", gotAuthorization)
	require.Len(t, response.Results, 1)
	require.True(t, response.Results[0].Accepted)
}

func TestPushRequiresToken(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.Push(context.Background(), "", protocol.PushRequest{})
	require.ErrorIs(t, err, ErrMissingToken)
	require.False(t, IsRetryable(err))
}

func TestPullSendsCursor(t *testing.T) {
	var gotSince string
	client := newTestServer(t, func(router *gin.Engine) {
		router.GET(protocol.PathPullPrefix+":table", func(c *gin.Context) {
			gotSince = c.Query(protocol.QuerySince)
			c.JSON(http.StatusOK, protocol.PullResponse{Table: c.Param("table"), ServerTime: time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)})
		})
	})

	since := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	response, err := client.Pull(context.Background(), "token", records.TableDevices, since)
	require.NoError(t, err)
	require.Equal(t, records.TableDevices, response.Table)
	require.Equal(t, protocol.FormatSince(since), gotSince)

	_, err = client.Pull(context.Background(), "token", records.TableDevices, time.Time{})
	require.NoError(t, err)
	require.Empty(t, gotSince)
}

func TestFailureClassification(t *testing.T) {
	testCases := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"server-error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad-request", http.StatusBadRequest, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestServer(t, func(router *gin.Engine) {
				router.GET(protocol.PathPullPrefix+":table", func(c *gin.Context) {
					c.JSON(tc.status, protocol.ErrorResponse{Error: "nope", Code: "sync.pull.failed"})
				})
			})
			_, err := client.Pull(context.Background(), "token", records.TableDevices, time.Time{})
			require.Error(t, err)
			require.Equal(t, tc.wantRetryable, IsRetryable(err))

			var remoteErr *Error
			require.ErrorAs(t, err, &remoteErr)
			require.Equal(t, tc.status, remoteErr.StatusCode)
			require.Equal(t, "sync.pull.failed", remoteErr.Code)
		})
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	client := newTestServer(t, func(router *gin.Engine) {
		router.GET(protocol.PathPullPrefix+":table", func(c *gin.Context) {
			select {
			case <-time.After(2 * time.Second):
			case <-c.Request.Context().Done():
			}
		})
	})
	_, err := client.Pull(context.Background(), "token", records.TableDevices, time.Time{})
	require.Error(t, err)
	require.True(t, IsRetryable(err))
}

func TestConnectionRefusedIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	address := server.URL
	server.Close()

	client, err := NewClient(Config{BaseURL: address})
	require.NoError(t, err)
	_, err = client.Pull(context.Background(), "token", records.TableDevices, time.Time{})
	require.Error(t, err)
	require.True(t, IsRetryable(err))
}
