package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangjunyou/prompt-faster-sub001/internal/auth"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

// fakeOwners maps task ids to the owning user
type fakeOwners map[string]string

func (f fakeOwners) IsOwner(ctx context.Context, userID, taskID string) (bool, error) {
	owner, ok := f[taskID]
	return ok && owner == userID, nil
}

type busFixture struct {
	bus      *ControlBus
	registry *pause.Registry
	jwt      *auth.JWTManager
	url      string
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := pause.NewRegistry()
	jm, err := auth.NewJWTManager("test-secret", "")
	require.NoError(t, err)

	m := NewMetrics("test", nil)
	broadcaster := NewBroadcaster(16, m, nil)
	owners := fakeOwners{"task-1": "user-1", "task-2": "user-2"}
	bus := NewControlBus(registry, owners, jm, broadcaster, m, nil)

	router := gin.New()
	router.GET("/ws/control", bus.ServeWS)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &busFixture{
		bus:      bus,
		registry: registry,
		jwt:      jm,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/control",
	}
}

// startLoop registers the controller a running loop would hold for taskID
func (f *busFixture) startLoop(taskID string) *pause.Controller {
	ctrl := f.registry.GetOrCreate(taskID)
	ctrl.SetRunControl(models.RunControlRunning)
	return ctrl
}

func (f *busFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := f.jwt.GenerateToken(context.Background(), userID, userID, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmdType, taskID, correlationID string) {
	t.Helper()
	payload, err := json.Marshal(models.ControlCommandPayload{TaskID: taskID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.ControlMessage{
		Type:          cmdType,
		Payload:       payload,
		CorrelationID: correlationID,
	}))
}

func readMessage(t *testing.T, conn *websocket.Conn) models.ControlMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg models.ControlMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func command(t *testing.T, cmdType, taskID string) models.ControlMessage {
	t.Helper()
	payload, err := json.Marshal(models.ControlCommandPayload{TaskID: taskID})
	require.NoError(t, err)
	return models.ControlMessage{Type: cmdType, Payload: payload, CorrelationID: "corr-" + cmdType}
}

func TestControlBus_HandleCommandRejections(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		msg    models.ControlMessage
		reason string
	}{
		{
			name:   "unsupported type",
			msg:    command(t, "restart", "task-1"),
			reason: models.ReasonUnsupportedType,
		},
		{
			name:   "missing task id",
			msg:    models.ControlMessage{Type: models.CommandTypePause, Payload: json.RawMessage(`{}`)},
			reason: models.ReasonMissingTaskID,
		},
		{
			name:   "no payload",
			msg:    models.ControlMessage{Type: models.CommandTypeResume},
			reason: models.ReasonMissingTaskID,
		},
		{
			name:   "payload of the wrong shape",
			msg:    models.ControlMessage{Type: models.CommandTypePause, Payload: json.RawMessage(`"task-1"`)},
			reason: models.ReasonInvalidPayload,
		},
		{
			name:   "foreign task",
			msg:    command(t, models.CommandTypePause, "task-2"),
			reason: models.ReasonTaskNotFoundOrForbidden,
		},
		{
			name:   "unknown task",
			msg:    command(t, models.CommandTypePause, "task-404"),
			reason: models.ReasonTaskNotFoundOrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := f.bus.HandleCommand(ctx, "user-1", tt.msg)
			assert.False(t, ack.OK)
			assert.False(t, ack.Applied)
			assert.Equal(t, tt.reason, ack.Reason)
		})
	}

	_, created := f.registry.Get("task-2")
	assert.False(t, created, "rejected commands must not create controllers")
}

func TestControlBus_HandleCommandSequence(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()
	f.startLoop("task-1")

	ack := f.bus.HandleCommand(ctx, "user-1", command(t, models.CommandTypePause, "task-1"))
	assert.True(t, ack.OK)
	assert.True(t, ack.Applied)
	assert.Equal(t, "task-1", ack.TaskID)
	assert.Equal(t, models.RunControlPaused, ack.TargetState)
	assert.Equal(t, models.RunControlRunning, ack.CurrentState)
	assert.Nil(t, ack.Snapshot)

	ack = f.bus.HandleCommand(ctx, "user-1", command(t, models.CommandTypePause, "task-1"))
	assert.True(t, ack.OK)
	assert.False(t, ack.Applied)
	assert.Equal(t, models.ReasonAlreadyRequested, ack.Reason)

	// the loop reaches a safepoint
	ctrl, ok := f.registry.Get("task-1")
	require.True(t, ok)
	require.True(t, ctrl.CheckpointPause(1, models.IterationStateEvaluating, "", nil))

	ack = f.bus.HandleCommand(ctx, "user-1", command(t, models.CommandTypePause, "task-1"))
	assert.Equal(t, models.ReasonAlreadyPaused, ack.Reason)
	assert.Equal(t, models.RunControlPaused, ack.CurrentState)
	require.NotNil(t, ack.Snapshot)
	assert.Equal(t, 1, ack.Snapshot.Iteration)

	ack = f.bus.HandleCommand(ctx, "user-1", command(t, models.CommandTypeResume, "task-1"))
	assert.True(t, ack.Applied)
	assert.Equal(t, models.RunControlRunning, ack.CurrentState)
	assert.Equal(t, models.RunControlRunning, ack.TargetState)

	ack = f.bus.HandleCommand(ctx, "user-1", command(t, models.CommandTypeResume, "task-1"))
	assert.True(t, ack.OK)
	assert.False(t, ack.Applied)
	assert.Equal(t, models.ReasonNotPaused, ack.Reason)
}

func TestControlBus_CommandWithoutRunningLoop(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	for _, cmdType := range []string{models.CommandTypePause, models.CommandTypeResume} {
		ack := f.bus.HandleCommand(ctx, "user-1", command(t, cmdType, "task-1"))
		assert.True(t, ack.OK, cmdType)
		assert.False(t, ack.Applied, cmdType)
		assert.Equal(t, models.ReasonNotRunning, ack.Reason, cmdType)
		assert.Equal(t, models.RunControlIdle, ack.CurrentState, cmdType)
	}

	_, created := f.registry.Get("task-1")
	assert.False(t, created, "no controller outlives a command for an idle task")

	// the next loop starts without an inherited pause request
	ctrl := f.startLoop("task-1")
	assert.False(t, ctrl.IsPauseRequested())
	assert.False(t, ctrl.CheckpointPause(0, models.IterationStateRunningTests, "", nil))
}

func TestControlBus_RejectsMissingToken(t *testing.T) {
	f := newBusFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.url+"?token=broken", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestControlBus_AckPrecedesBroadcast(t *testing.T) {
	f := newBusFixture(t)
	f.startLoop("task-1")
	conn := f.dial(t, "user-1")

	sendCommand(t, conn, models.CommandTypePause, "task-1", "corr-1")

	first := readMessage(t, conn)
	assert.Equal(t, models.EventTypeControlAck, first.Type)
	assert.Equal(t, "corr-1", first.CorrelationID)
	var ack models.ControlAck
	require.NoError(t, json.Unmarshal(first.Payload, &ack))
	assert.True(t, ack.OK)
	assert.True(t, ack.Applied)

	second := readMessage(t, conn)
	assert.Equal(t, models.EventTypeIterationPauseQueued, second.Type)
	assert.Equal(t, "corr-1", second.CorrelationID)
	var event models.StateChangeEvent
	require.NoError(t, json.Unmarshal(second.Payload, &event))
	assert.Equal(t, "task-1", event.TaskID)
	assert.Equal(t, "user-1", event.Actor)
}

func TestControlBus_BroadcastOnlyToEntitledObservers(t *testing.T) {
	f := newBusFixture(t)
	f.startLoop("task-1")
	owner := f.dial(t, "user-1")
	other := f.dial(t, "user-2")

	sendCommand(t, owner, models.CommandTypePause, "task-1", "corr-1")
	assert.Equal(t, models.EventTypeControlAck, readMessage(t, owner).Type)
	assert.Equal(t, models.EventTypeIterationPauseQueued, readMessage(t, owner).Type)

	// task-1's event was queued for user-2 before this command; it must have been filtered out
	sendCommand(t, other, models.CommandTypePause, "task-2", "corr-2")
	msg := readMessage(t, other)
	assert.Equal(t, models.EventTypeControlAck, msg.Type)
	assert.Equal(t, "corr-2", msg.CorrelationID)
}

func TestControlBus_PushesPausedTasksOnConnect(t *testing.T) {
	f := newBusFixture(t)

	ctrl := f.registry.GetOrCreate("task-1")
	ok, _ := ctrl.RequestPause("corr-0", "user-1")
	require.True(t, ok)
	require.True(t, ctrl.CheckpointPause(2, models.IterationStateReflecting, "", nil))

	conn := f.dial(t, "user-1")
	msg := readMessage(t, conn)
	assert.Equal(t, models.EventTypeIterationPaused, msg.Type)
	assert.Equal(t, "corr-0", msg.CorrelationID)

	var event models.StateChangeEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, "task-1", event.TaskID)
	assert.Equal(t, models.RunControlPaused, event.RunControl)
	assert.Equal(t, models.IterationStateReflecting, event.Stage)
	assert.Equal(t, 2, event.Iteration)
	require.NotNil(t, event.Snapshot)

	// user-2 does not own task-1 and gets nothing before its own ack
	other := f.dial(t, "user-2")
	sendCommand(t, other, models.CommandTypeResume, "task-2", "corr-2")
	first := readMessage(t, other)
	assert.Equal(t, models.EventTypeControlAck, first.Type)
}

func TestControlBus_MalformedMessage(t *testing.T) {
	f := newBusFixture(t)
	conn := f.dial(t, "user-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, models.EventTypeError, msg.Type)
	assert.Contains(t, string(msg.Payload), models.ReasonInvalidPayload)

	// the connection stays usable
	sendCommand(t, conn, models.CommandTypeResume, "task-1", "corr-3")
	msg = readMessage(t, conn)
	assert.Equal(t, models.EventTypeControlAck, msg.Type)
}

func TestEventTypeFor(t *testing.T) {
	tests := []struct {
		kind pause.ChangeKind
		want string
	}{
		{pause.ChangePauseRequested, models.EventTypeIterationPauseQueued},
		{pause.ChangePaused, models.EventTypeIterationPaused},
		{pause.ChangeResumed, models.EventTypeIterationResumed},
		{pause.ChangeStopRequested, models.EventTypeIterationStopping},
		{pause.ChangeKind("other"), ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, eventTypeFor(tt.kind))
		})
	}
}
