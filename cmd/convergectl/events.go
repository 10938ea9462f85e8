package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// --- Event commands ---

func newEventCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "View session events",
	}
	cmd.AddCommand(newEventListCommand())
	cmd.AddCommand(newEventWatchCommand())
	return cmd
}

func newEventListCommand() *cobra.Command {
	var (
		sessionID string
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := eventParams(sessionID, eventType)
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			data, err := newClient().get(cmd.Context(), "/api/v1/events", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Filter by session ID")
	cmd.Flags().StringVar(&eventType, "type", "", "Filter by event type, e.g. recovery-invoked")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of events")
	return cmd
}

func newEventWatchCommand() *cobra.Command {
	var (
		sessionID string
		eventType string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := socketURL(serverURL, "/api/v1/events/ws", eventParams(sessionID, eventType))
			if err != nil {
				return err
			}
			header := http.Header{}
			setCredentials(header)

			conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("websocket dial failed (%d): %w", resp.StatusCode, err)
				}
				return fmt.Errorf("websocket dial failed: %w", err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				_ = conn.Close()
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				var event json.RawMessage
				if err := conn.ReadJSON(&event); err != nil {
					if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return fmt.Errorf("event stream ended: %w", err)
				}
				if err := enc.Encode(event); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Only events of this session")
	cmd.Flags().StringVar(&eventType, "type", "", "Only events of this type")
	return cmd
}

func eventParams(sessionID, eventType string) url.Values {
	params := url.Values{}
	if sessionID != "" {
		params.Set("session_id", sessionID)
	}
	if eventType != "" {
		params.Set("type", eventType)
	}
	return params
}

// socketURL converts an http(s) server URL into the ws(s) URL for path.
func socketURL(server, path string, params url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("server URL must use http or https")
	}
	u.Path += path
	u.RawQuery = params.Encode()
	return u.String(), nil
}
