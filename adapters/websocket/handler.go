package websocket

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/utils/log"
)

// Handler upgrades the connection and streams turn events for one session.
func (s *Server) Handler(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, sessionID)
	s.hub.Register(client)

	client.Run()

	defer s.hub.Unregister(client)

	// Turn events for this session are published with the session id as
	// the routing key; forward them until the socket closes.
	events, err := s.messageBroker.Subscribe(client.Context(), domain.TurnEventsTopic, sessionID)
	if err != nil {
		log.WithCtx(client.Context()).Error("Failed to subscribe to turn events", zap.Error(err))
		client.Close()
		return nil
	}

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				client.Close()
				return nil
			}
			if err := client.SendMessage(msg.Payload); err != nil {
				return nil
			}
		case <-client.Context().Done():
			return nil
		}
	}
}
