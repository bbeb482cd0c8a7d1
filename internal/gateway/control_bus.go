package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangjunyou/prompt-faster-sub001/internal/auth"
	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Authorizer decides whether a user may observe and control a task
type Authorizer interface {
	IsOwner(ctx context.Context, userID, taskID string) (bool, error)
}

// ControlBus serves the websocket through which operators pause, resume and
// observe running tasks
type ControlBus struct {
	registry    *pause.Registry
	tasks       Authorizer
	jwtManager  *auth.JWTManager
	broadcaster *Broadcaster
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *logging.Logger
	upgrader    websocket.Upgrader
}

// NewControlBus creates the bus and subscribes it to every pause state
// change in registry
func NewControlBus(registry *pause.Registry, tasks Authorizer, jwtManager *auth.JWTManager, broadcaster *Broadcaster, m *Metrics, logger *logging.Logger) *ControlBus {
	if logger == nil {
		logger = logging.Nop()
	}
	b := &ControlBus{
		registry:    registry,
		tasks:       tasks,
		jwtManager:  jwtManager,
		broadcaster: broadcaster,
		metrics:     m,
		tracer:      otel.Tracer("control-bus"),
		logger:      logger.Named("control-bus"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to configured origins once the web console has a fixed host
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
	registry.OnChange(b.onChange)
	return b
}

// ServeWS handles GET /api/ws/control
// @Summary Control bus
// @Description Websocket for pause/resume commands and live task state events. The token may be passed as ?token= or a bearer header.
// @Tags control
// @Param token query string false "JWT"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/control [get]
func (b *ControlBus) ServeWS(c *gin.Context) {
	ctx, span := b.tracer.Start(c.Request.Context(), "control_bus.serve")
	defer span.End()

	token := auth.TokenFromRequest(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Missing JWT token", Code: models.ErrCodeUnauthorized})
		return
	}
	claims, err := b.jwtManager.ValidateToken(ctx, token)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid or expired token", Code: models.ErrCodeUnauthorized})
		return
	}
	userID := claims.UserID
	span.SetAttributes(attribute.String("user.id", userID))

	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		b.logger.WithError(err).Warn("failed to upgrade connection")
		return
	}

	b.serveConn(context.WithoutCancel(ctx), conn, userID)
}

func (b *ControlBus) serveConn(ctx context.Context, conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := b.logger.WithUserID(userID)
	sub := b.broadcaster.subscribe(userID)
	b.metrics.connectionOpened()
	log.Info("observer connected")

	defer func() {
		b.broadcaster.unsubscribe(sub)
		b.metrics.connectionClosed()
		conn.Close()
		log.Info("observer disconnected")
	}()

	b.pushPausedTasks(ctx, sub, userID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writeLoop(ctx, conn, sub, userID)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("read loop ended")
			}
			break
		}

		var msg models.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.metrics.messageIn("malformed")
			sub.send(encodeMessage(models.EventTypeError, "", "", map[string]string{"reason": models.ReasonInvalidPayload}))
			continue
		}
		b.metrics.messageIn(msg.Type)

		// Events raised while applying the command queue up behind its ack.
		sub.hold()
		ack := b.HandleCommand(ctx, userID, msg)
		sub.release(encodeMessage(models.EventTypeControlAck, "", msg.CorrelationID, ack))
	}

	cancel()
	<-writerDone
}

func (b *ControlBus) writeLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber, userID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	entitled := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.notify:
			for _, m := range sub.drain() {
				if m.taskID != "" && !b.isEntitled(ctx, entitled, userID, m.taskID) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, m.data); err != nil {
					b.logger.WithError(err).Debug("write failed", "user_id", userID)
					return
				}
				b.metrics.messageOut(m.msgType)
			}
		}
	}
}

func (b *ControlBus) isEntitled(ctx context.Context, cache map[string]bool, userID, taskID string) bool {
	if ok, seen := cache[taskID]; seen {
		return ok
	}
	ok, err := b.tasks.IsOwner(ctx, userID, taskID)
	if err != nil {
		b.logger.WithError(err).Warn("ownership check failed", "task_id", taskID)
		return false
	}
	cache[taskID] = ok
	return ok
}

// pushPausedTasks sends one iteration:paused event per suspended task the user owns
func (b *ControlBus) pushPausedTasks(ctx context.Context, sub *subscriber, userID string) {
	for _, ctrl := range b.registry.PausedControllers() {
		snap := ctrl.Snapshot()
		if snap == nil {
			continue
		}
		ok, err := b.tasks.IsOwner(ctx, userID, ctrl.TaskID())
		if err != nil || !ok {
			continue
		}
		event := models.StateChangeEvent{
			TaskID:     snap.TaskID,
			RunControl: models.RunControlPaused,
			Stage:      snap.Stage,
			Iteration:  snap.Iteration,
			Snapshot:   snap,
			OccurredAt: snap.PausedAt,
		}
		sub.send(encodeMessage(models.EventTypeIterationPaused, snap.TaskID, snap.CorrelationID, event))
	}
}

// HandleCommand validates and applies one control command and builds its ack
func (b *ControlBus) HandleCommand(ctx context.Context, userID string, msg models.ControlMessage) models.ControlAck {
	ctx, span := b.tracer.Start(ctx, "control_bus.handle_command")
	defer span.End()
	span.SetAttributes(attribute.String("command.type", msg.Type))

	log := b.logger.WithCorrelationID(msg.CorrelationID)

	var payload models.ControlCommandPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return models.ControlAck{Reason: models.ReasonInvalidPayload}
		}
	}

	ack := models.ControlAck{TaskID: payload.TaskID}
	if msg.Type != models.CommandTypePause && msg.Type != models.CommandTypeResume {
		ack.Reason = models.ReasonUnsupportedType
		return ack
	}
	if payload.TaskID == "" {
		ack.Reason = models.ReasonMissingTaskID
		return ack
	}
	span.SetAttributes(attribute.String("task_id", payload.TaskID))

	owned, err := b.tasks.IsOwner(ctx, userID, payload.TaskID)
	if err != nil {
		span.RecordError(err)
		log.WithError(err).Warn("ownership check failed", "task_id", payload.TaskID)
	}
	if err != nil || !owned {
		ack.Reason = models.ReasonTaskNotFoundOrForbidden
		return ack
	}

	ack.TargetState = models.RunControlRunning
	if msg.Type == models.CommandTypePause {
		ack.TargetState = models.RunControlPaused
	}

	// Controllers exist only while a loop runs for the task.
	ctrl, ok := b.registry.Get(payload.TaskID)
	if !ok {
		ack.OK = true
		ack.Reason = models.ReasonNotRunning
		ack.CurrentState = models.RunControlIdle
		log.Info("control command ignored", "task_id", payload.TaskID, "type", msg.Type, "reason", ack.Reason)
		return ack
	}

	var applied bool
	var reason string
	if msg.Type == models.CommandTypePause {
		applied, reason = ctrl.RequestPause(msg.CorrelationID, userID)
	} else {
		applied, reason = ctrl.RequestResume(msg.CorrelationID, userID)
	}

	ack.OK = true
	ack.Applied = applied
	ack.Reason = reason
	ack.CurrentState = ctrl.RunControl()
	ack.Snapshot = ctrl.Snapshot()

	log.Info("control command handled",
		"task_id", payload.TaskID,
		"type", msg.Type,
		"applied", applied,
		"reason", reason,
		"user_id", userID,
	)
	return ack
}

func (b *ControlBus) onChange(change pause.Change) {
	msgType := eventTypeFor(change.Kind)
	if msgType == "" {
		return
	}
	event := models.StateChangeEvent{
		TaskID:     change.TaskID,
		RunControl: change.RunControl,
		Actor:      change.Actor,
		Snapshot:   change.Snapshot,
		OccurredAt: change.At,
	}
	if change.Snapshot != nil {
		event.Stage = change.Snapshot.Stage
		event.Iteration = change.Snapshot.Iteration
	}
	m := encodeMessage(msgType, change.TaskID, change.CorrelationID, event)
	b.broadcaster.Publish(m.taskID, m.msgType, m.data)
}

func eventTypeFor(kind pause.ChangeKind) string {
	switch kind {
	case pause.ChangePauseRequested:
		return models.EventTypeIterationPauseQueued
	case pause.ChangePaused:
		return models.EventTypeIterationPaused
	case pause.ChangeResumed:
		return models.EventTypeIterationResumed
	case pause.ChangeStopRequested:
		return models.EventTypeIterationStopping
	}
	return ""
}

func encodeMessage(msgType, taskID, correlationID string, payload interface{}) outbound {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	data, _ := json.Marshal(models.ControlMessage{
		Type:          msgType,
		Payload:       raw,
		CorrelationID: correlationID,
	})
	return outbound{msgType: msgType, taskID: taskID, data: data}
}
