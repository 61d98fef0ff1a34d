package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/telephony"
	"golang.org/x/sync/errgroup"
)

// mediaReadLimit bounds one inbound socket message.
const mediaReadLimit = 1 << 20

// maxCloseReason is the longest close reason a WebSocket close frame can carry.
const maxCloseReason = 123

// wsChannel is the outbound half of a media socket.
type wsChannel struct {
	conn *websocket.Conn
}

func (w *wsChannel) WriteMessage(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsChannel) Close(reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// media serves one vendor media socket for the call in the path. The session's turn loop and the
// socket reader run together; either ending tears the call down.
func (s *Server) media(d telephony.Dialect) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := strings.TrimSpace(c.Param("call_sid"))
		dir := orchestrator.DirectionInbound
		if c.Query("direction") == string(orchestrator.DirectionOutbound) {
			dir = orchestrator.DirectionOutbound
		}

		sess, err := s.orch.CreateSession(callID, dir)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, orchestrator.ErrCapacity) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		conn, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Error("media socket upgrade failed", "callID", callID, "vendor", d.Vendor(), "error", err)
			sess.End("upgrade failed")
			return
		}
		conn.SetReadLimit(mediaReadLimit)

		if err := sess.Attach(&wsChannel{conn: conn}, d); err != nil {
			s.logger.Warn("media socket for ended call", "callID", callID, "error", err)
			_ = conn.Close(websocket.StatusPolicyViolation, "call ended")
			return
		}
		s.logger.Info("media socket connected", "callID", callID, "vendor", d.Vendor(), "direction", dir)

		g, ctx := errgroup.WithContext(c.Request.Context())
		g.Go(func() error {
			return sess.Run(ctx)
		})
		g.Go(func() error {
			return s.readLoop(ctx, conn, sess, d)
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("media socket ended with error", "callID", callID, "error", err)
		}
		sess.End("media socket closed")
		s.logger.Info("media socket done", "callID", callID, "turns", sess.Turns())
	}
}

// readLoop dispatches vendor events to the session until the socket closes or the vendor stops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *orchestrator.CallSession, d telephony.Dialect) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			sess.End("media socket closed")
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			select {
			case <-sess.Done():
				return nil
			default:
			}
			return err
		}

		ev, err := telephony.ParseEvent(data)
		if err != nil {
			s.logger.Warn("ignoring media message", "callID", sess.ID, "error", err)
			continue
		}

		switch ev.Type {
		case telephony.EventConnected:
			sess.Connected()
		case telephony.EventStart:
			if ev.CallID != "" && ev.CallID != sess.ID {
				s.logger.Warn("start event for another call", "callID", sess.ID, "eventCallID", ev.CallID)
			}
			if err := sess.Start(ev.StreamID); err != nil {
				return nil
			}
		case telephony.EventMedia:
			if ev.Track == "outbound" {
				continue
			}
			pcm, err := d.DecodeMedia(ev.Payload)
			if err != nil {
				s.logger.Warn("bad media payload", "callID", sess.ID, "error", err)
				continue
			}
			if err := sess.HandleMedia(pcm); err != nil {
				if errors.Is(err, orchestrator.ErrSessionEnded) {
					return nil
				}
				s.logger.Debug("caller audio not forwarded", "callID", sess.ID, "error", err)
			}
		case telephony.EventDTMF:
			sess.HandleDTMF(ev.Digit)
		case telephony.EventMark:
			s.logger.Debug("playback mark reached", "callID", sess.ID, "mark", ev.Mark)
		case telephony.EventStop:
			sess.Stop()
			return nil
		default:
			s.logger.Debug("unhandled media event", "callID", sess.ID, "event", ev.Type)
		}
	}
}
