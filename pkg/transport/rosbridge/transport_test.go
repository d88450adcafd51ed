package rosbridge

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

func odom(x float64) map[string]any {
	return map[string]any{
		"pose": map[string]any{"pose": map[string]any{
			"position":    map[string]any{"x": x, "y": 0.0, "z": 0.0},
			"orientation": map[string]any{"x": 0.0, "y": 0.0, "z": 0.0, "w": 1.0},
		}},
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ws://localhost:9090", cfg.URL())

	cfg.Host = ""
	assert.Error(t, cfg.Validate())

	_, err := New(Config{Port: 70000, Host: "x"}, nil)
	assert.True(t, transport.IsConfiguration(err))
}

func TestConnect_FailureIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr, err := New(Config{Host: "127.0.0.1", Port: port, ConnectTimeout: 500 * time.Millisecond}, nil)
	require.NoError(t, err)

	start := time.Now()
	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var ce *transport.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, port, ce.Port)
	assert.Contains(t, err.Error(), "127.0.0.1")
	assert.False(t, tr.IsConnected())
}

func TestConnect_Idempotent(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.IsConnected())

	tr.Disconnect()
	tr.Disconnect()
	assert.False(t, tr.IsConnected())
}

func TestNotConnected(t *testing.T) {
	tr, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = tr.Subscribe("/odom", schema.Odometry, func(transport.Message) {}, transport.SubscribeOptions{})
	assert.True(t, transport.IsConnection(err))
	assert.True(t, transport.IsConnection(tr.Publish("/cmd_vel", schema.Twist, transport.Message{})))
	_, err = tr.CallAction(context.Background(), "/navigate_to_pose", "", nil, nil, time.Second)
	assert.True(t, transport.IsConnection(err))
	assert.NoError(t, tr.CancelAction(), "cancel without a goal is a no-op")
}

func TestSubscribe_SharesRemoteSubscription(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	got1 := make(chan transport.Message, 4)
	got2 := make(chan transport.Message, 4)
	h1, err := tr.Subscribe("/odom", schema.Odometry, func(m transport.Message) { got1 <- m },
		transport.SubscribeOptions{ThrottleInterval: 100 * time.Millisecond, QueueDepth: 1})
	require.NoError(t, err)
	h2, err := tr.Subscribe("/odom", schema.Odometry, func(m transport.Message) { got2 <- m }, transport.SubscribeOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	sub := fb.waitOp("subscribe")
	assert.Equal(t, "/odom", sub["topic"])
	assert.Equal(t, schema.Odometry, sub["type"])
	assert.Equal(t, 100.0, sub["throttle_rate"])
	assert.Len(t, fb.opsNamed("subscribe"), 1)

	fb.conn().send(map[string]any{"op": "publish", "topic": "/odom", "msg": odom(1.5)})

	for _, ch := range []chan transport.Message{got1, got2} {
		select {
		case m := <-ch:
			assert.Equal(t, 1.5, m["pose"].(map[string]any)["pose"].(map[string]any)["position"].(map[string]any)["x"])
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	tr.Unsubscribe(h1)
	assert.Empty(t, fb.opsNamed("unsubscribe"), "remote subscription kept while h2 is live")
	tr.Unsubscribe(h2)
	fb.waitOp("unsubscribe")
	tr.Unsubscribe(h2)
	assert.Len(t, fb.opsNamed("unsubscribe"), 1)
}

func TestSubscribe_DropsMalformedMessages(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	got := make(chan transport.Message, 4)
	_, err := tr.Subscribe("/odom", schema.Odometry, func(m transport.Message) { got <- m }, transport.SubscribeOptions{QueueDepth: 4})
	require.NoError(t, err)
	fb.waitOp("subscribe")

	c := fb.conn()
	c.send(map[string]any{"op": "publish", "topic": "/odom", "msg": map[string]any{"pose": "garbage"}})
	c.send(map[string]any{"op": "publish", "topic": "/odom", "msg": odom(2)})

	select {
	case m := <-got:
		assert.Contains(t, m, "pose")
		assert.NotEqual(t, "garbage", m["pose"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not survive a malformed message")
	}
}

func TestPublish_AdvertisesOnceInOrder(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Publish("/cmd_vel", schema.Twist, transport.Message{"seq": i}))
	}

	require.Eventually(t, func() bool { return len(fb.opsNamed("publish")) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, fb.opsNamed("advertise"), 1)
	for i, op := range fb.opsNamed("publish") {
		assert.Equal(t, float64(i), op["msg"].(map[string]any)["seq"])
	}
}

func TestCallAction_Succeeds(t *testing.T) {
	fb := newFakeBridge(t)
	fb.handle(func(c *fakeConn, op map[string]any) {
		if op["op"] != "send_action_goal" {
			return
		}
		c.send(map[string]any{"op": "action_feedback", "id": op["id"], "action": op["action"], "values": map[string]any{"distance_remaining": 1.0}})
		c.send(map[string]any{"op": "action_result", "id": op["id"], "action": op["action"], "values": map[string]any{"ok": true}, "status": 4, "result": true})
	})
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	feedback := make(chan transport.Message, 1)
	res, err := tr.CallAction(context.Background(), "/navigate_to_pose", schema.NavigateToPose,
		navGoal(), func(m transport.Message) { feedback <- m }, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusSucceeded, res.Status)
	assert.Equal(t, true, res.Result["ok"])

	select {
	case m := <-feedback:
		assert.Equal(t, 1.0, m["distance_remaining"])
	case <-time.After(time.Second):
		t.Fatal("feedback not delivered")
	}

	sent := fb.opsNamed("send_action_goal")[0]
	assert.Equal(t, schema.NavigateToPose, sent["action_type"])
	assert.Equal(t, true, sent["feedback"])
}

func TestCallAction_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		result bool
		want   transport.Status
	}{
		{4, true, transport.StatusSucceeded},
		{5, false, transport.StatusCanceled},
		{6, false, transport.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			fb := newFakeBridge(t)
			fb.handle(func(c *fakeConn, op map[string]any) {
				if op["op"] == "send_action_goal" {
					c.send(map[string]any{"op": "action_result", "id": op["id"], "status": tt.status, "result": tt.result})
				}
			})
			tr := fb.transport(t)
			require.NoError(t, tr.Connect(context.Background()))

			res, err := tr.CallAction(context.Background(), "/go_to_home", schema.GoToHome,
				transport.Message{"group_name": "left_arm"}, nil, 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestCallAction_StatusErrorFails(t *testing.T) {
	fb := newFakeBridge(t)
	fb.handle(func(c *fakeConn, op map[string]any) {
		if op["op"] == "send_action_goal" {
			c.send(map[string]any{"op": "status", "level": "error", "id": op["id"], "msg": "action server not available"})
		}
	})
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	res, err := tr.CallAction(context.Background(), "/go_to_home", schema.GoToHome,
		transport.Message{"group_name": "left_arm"}, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusFailed, res.Status)
	assert.Equal(t, "action server not available", res.Result["error"])
}

func TestCallAction_TimeoutCancelsRemoteGoal(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.CallAction(context.Background(), "/navigate_to_pose", schema.NavigateToPose, navGoal(), nil, 100*time.Millisecond)
	var te *transport.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.CancelSent)

	cancel := fb.waitOp("cancel_action_goal")
	sent := fb.opsNamed("send_action_goal")[0]
	assert.Equal(t, sent["id"], cancel["id"])
}

func TestCallAction_RejectsConcurrentGoal(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	first := make(chan transport.ActionResult, 1)
	go func() {
		res, _ := tr.CallAction(context.Background(), "/navigate_to_pose", schema.NavigateToPose, navGoal(), nil, 0)
		first <- res
	}()
	fb.waitOp("send_action_goal")

	_, err := tr.CallAction(context.Background(), "/navigate_to_pose", schema.NavigateToPose, navGoal(), nil, time.Second)
	assert.ErrorIs(t, err, transport.ErrGoalInProgress)

	require.NoError(t, tr.CancelAction())
	fb.waitOp("cancel_action_goal")
	select {
	case res := <-first:
		assert.Equal(t, transport.StatusCanceled, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled goal did not return")
	}
}

func TestCallAction_InvalidGoal(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.CallAction(context.Background(), "/control_gripper", schema.ControlGripper,
		transport.Message{"group_name": "left_arm", "position": "open"}, nil, time.Second)
	require.Error(t, err)
	assert.Empty(t, fb.opsNamed("send_action_goal"))
}

func TestCallAction_ConnectionLost(t *testing.T) {
	fb := newFakeBridge(t)
	fb.handle(func(c *fakeConn, op map[string]any) {
		if op["op"] == "send_action_goal" {
			c.ws.Close()
		}
	})
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.CallAction(context.Background(), "/navigate_to_pose", schema.NavigateToPose, navGoal(), nil, 5*time.Second)
	assert.True(t, transport.IsConnection(err))
	require.Eventually(t, func() bool { return !tr.IsConnected() }, 2*time.Second, 5*time.Millisecond)
}

func TestCallService(t *testing.T) {
	fb := newFakeBridge(t)
	fb.handle(func(c *fakeConn, op map[string]any) {
		if op["op"] != "call_service" {
			return
		}
		if op["service"] == "/slow" {
			return
		}
		args := op["args"].(map[string]any)
		c.send(map[string]any{"op": "service_response", "id": op["id"], "service": op["service"],
			"values": map[string]any{"sum": args["a"].(float64) + args["b"].(float64)}, "result": true})
	})
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	resp, err := tr.CallService(context.Background(), "/add", "example_interfaces/srv/AddTwoInts", transport.Message{"a": 2, "b": 3}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5.0, resp["sum"])

	_, err = tr.CallService(context.Background(), "/slow", "std_srvs/srv/Trigger", nil, 100*time.Millisecond)
	assert.True(t, transport.IsTimeout(err))
}

func TestDisconnect_ReleasesSubscriptions(t *testing.T) {
	fb := newFakeBridge(t)
	tr := fb.transport(t)
	require.NoError(t, tr.Connect(context.Background()))

	h, err := tr.Subscribe("/odom", schema.Odometry, func(transport.Message) {}, transport.SubscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Stats().Subscriptions)

	tr.Disconnect()
	assert.Equal(t, 0, tr.Stats().Subscriptions)
	assert.NotPanics(t, func() { tr.Unsubscribe(h) })
}

func navGoal() transport.Message {
	return transport.Message{
		"pose": map[string]any{
			"header": map[string]any{"frame_id": "map", "stamp": map[string]any{"sec": 0, "nanosec": 0}},
			"pose": map[string]any{
				"position":    map[string]any{"x": 2.0, "y": 1.0, "z": 0.0},
				"orientation": map[string]any{"x": 0.0, "y": 0.0, "z": 0.0, "w": 1.0},
			},
		},
	}
}
