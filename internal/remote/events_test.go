package remote

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestEventsDeliversChangeNoticesAndSkipsHeartbeats(t *testing.T) {
	serverTime := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)
	client := newTestServer(t, func(router *gin.Engine) {
		router.GET(protocol.PathEvents, func(c *gin.Context) {
			require.Equal(t, "Bearer token", c.GetHeader("Authorization"))
			c.SSEvent("heartbeat", gin.H{"source": "test"})
			c.SSEvent(eventChanges, protocol.ChangeNotice{
				Tables:     []string{records.TableDevices},
				Username:   "lbianchi",
				ServerTime: serverTime,
			})
			c.Writer.Flush()
		})
	})

	var notices []protocol.ChangeNotice
	err := client.Events(context.Background(), "token", func(notice protocol.ChangeNotice) {
		notices = append(notices, notice)
	})
	require.Error(t, err)
	require.True(t, IsRetryable(err))
	require.Len(t, notices, 1)
	require.Equal(t, []string{records.TableDevices}, notices[0].Tables)
	require.Equal(t, "lbianchi", notices[0].Username)
	require.True(t, notices[0].ServerTime.Equal(serverTime))
}

func TestEventsReturnsNilWhenCancelled(t *testing.T) {
	client := newTestServer(t, func(router *gin.Engine) {
		router.GET(protocol.PathEvents, func(c *gin.Context) {
			c.Status(http.StatusOK)
			c.Writer.WriteHeaderNow()
			c.Writer.Flush()
			<-c.Request.Context().Done()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, client.Events(ctx, "token", func(protocol.ChangeNotice) {}))
}

func TestEventsRejectedTokenIsFatal(t *testing.T) {
	client := newTestServer(t, func(router *gin.Engine) {
		router.GET(protocol.PathEvents, func(c *gin.Context) {
			c.JSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized"})
		})
	})

	err := client.Events(context.Background(), "token", func(protocol.ChangeNotice) {})
	require.True(t, IsUnauthorized(err))
	require.False(t, IsRetryable(err))
}
