package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"go.uber.org/zap"
)

const eventChanges = "changes"

// Events follows the server's change-notice stream until ctx ends or the stream closes, calling
// onNotice for every notice. Heartbeats are skipped. A nil error means ctx was cancelled.
func (c *Client) Events(ctx context.Context, token string, onNotice func(protocol.ChangeNotice)) error {
	if strings.TrimSpace(token) == "" {
		return &Error{Operation: "events", Err: ErrMissingToken}
	}

	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + protocol.PathEvents
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return &Error{Operation: "events", Err: err}
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Authorization", protocol.TokenType+" "+token)

	response, err := c.http.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &Error{Operation: "events", Retryable: isTransient(err), Err: err}
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decodeFailure("events", response)
	}

	scanner := bufio.NewScanner(response.Body)
	eventType := ""
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType == eventChanges && data.Len() > 0 {
				var notice protocol.ChangeNotice
				if err := json.Unmarshal([]byte(data.String()), &notice); err != nil {
					c.logger.Warn("malformed change notice", zap.Error(err))
				} else {
					onNotice(notice)
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return &Error{Operation: "events", Retryable: true, Err: err}
	}
	return &Error{Operation: "events", Retryable: true, Err: fmt.Errorf("stream closed by server")}
}
