package transport

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyNamespace(t *testing.T) {
	tests := []struct {
		name, ns, want string
	}{
		{"odom", "", "/odom"},
		{"/odom", "", "/odom"},
		{"/odom", "robot1", "/robot1/odom"},
		{"cmd_vel", "/a/b/", "/a/b/cmd_vel"},
		{"navigate_to_pose", "/walkie", "/walkie/navigate_to_pose"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplyNamespace(tt.name, tt.ns))
		})
	}
}

func TestOverlayKey(t *testing.T) {
	assert.Equal(t, "robot1/odom", OverlayKey("/robot1/odom"))
	assert.Equal(t, "walkie/camera/head", OverlayKey("walkie/camera/head"))
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := Message{
		"pose": map[string]any{
			"position": map[string]any{"x": 1.0},
		},
		"name": []any{"left_joint1"},
	}
	cp := orig.Clone()
	cp["pose"].(map[string]any)["position"].(map[string]any)["x"] = 9.0
	cp["name"].([]any)[0] = "changed"

	assert.Equal(t, 1.0, orig["pose"].(map[string]any)["position"].(map[string]any)["x"])
	assert.Equal(t, "left_joint1", orig["name"].([]any)[0])
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"linear":{"x":0.5}}`))
	require.NoError(t, err)
	assert.Equal(t, 0.5, m["linear"].(map[string]any)["x"])

	m, err = DecodeMessage([]byte(`null`))
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = DecodeMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestNewHandle_Unique(t *testing.T) {
	seen := map[Handle]bool{}
	for i := 0; i < 100; i++ {
		h := NewHandle()
		require.False(t, seen[h])
		seen[h] = true
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusUnknown.Terminal())
}

func TestErrorKinds(t *testing.T) {
	conn := fmt.Errorf("wrapped: %w", &ConnectionError{Transport: "rosbridge", Host: "10.0.0.2", Port: 9090, Timeout: time.Second, Err: errors.New("refused")})
	assert.True(t, IsConnection(conn))
	assert.Contains(t, conn.Error(), "10.0.0.2:9090")
	assert.Contains(t, conn.Error(), "refused")
	assert.True(t, IsConnection(ErrNotConnected))

	to := &TimeoutError{Op: "action", Name: "/navigate_to_pose", Timeout: 2 * time.Second, CancelSent: true}
	assert.True(t, IsTimeout(to))
	assert.False(t, IsTimeout(conn))

	cfg := &ConfigurationError{Field: "video protocol", Value: "mjpeg", Reason: "unknown"}
	assert.True(t, IsConfiguration(cfg))
	assert.Equal(t, `invalid video protocol "mjpeg": unknown`, cfg.Error())

	dec := &DecodeError{Topic: "/odom", Err: errors.New("bad json")}
	assert.True(t, IsDecode(dec))
}

func TestFrameSlot_ReturnsCopies(t *testing.T) {
	var slot FrameSlot
	_, ok := slot.Load()
	assert.False(t, ok, "empty slot has no frame")
	_, ok = slot.Shape()
	assert.False(t, ok)

	slot.Store(&Frame{Data: []byte{1, 2, 3}, Shape: Shape{Height: 1, Width: 1, Channels: 3}})
	f, ok := slot.Load()
	require.True(t, ok)
	f.Data[0] = 99

	again, _ := slot.Load()
	assert.Equal(t, byte(1), again.Data[0], "mutating a loaded frame must not touch the cache")

	shape, ok := slot.Shape()
	require.True(t, ok)
	assert.Equal(t, "1x1x3", shape.String())

	slot.Reset()
	_, ok = slot.Load()
	assert.False(t, ok)
}

func TestSubscription_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	sub := NewSubscription("/odom", "", func(m Message) {
		mu.Lock()
		got = append(got, m["seq"].(int))
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
	}, SubscribeOptions{QueueDepth: 10}, nil)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.True(t, sub.Deliver(Message{"seq": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks not delivered")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestFanout_ValidatesPerSchema(t *testing.T) {
	got := make(chan string, 4)
	sub := func(id, schema string) *Subscription {
		s := NewSubscription("/odom", schema, func(Message) { got <- id }, SubscribeOptions{QueueDepth: 4}, nil)
		t.Cleanup(s.Close)
		return s
	}
	subs := []*Subscription{sub("strict", "nav_msgs/Odometry"), sub("loose-1", ""), sub("loose-2", "")}

	calls := map[string]int{}
	validate := func(schema string, m Message) error {
		calls[schema]++
		if schema == "nav_msgs/Odometry" && m["pose"] == nil {
			return errors.New("missing pose")
		}
		return nil
	}

	rejected := Fanout(subs, Message{"n": 1}, validate)
	require.Len(t, rejected, 1)
	assert.Equal(t, "nav_msgs/Odometry", rejected[0].Schema)
	assert.Equal(t, "/odom", rejected[0].Topic)
	assert.Equal(t, map[string]int{"nav_msgs/Odometry": 1, "": 1}, calls, "each schema validated once")

	var ids []string
	for i := 0; i < 2; i++ {
		select {
		case id := <-got:
			ids = append(ids, id)
		case <-time.After(2 * time.Second):
			t.Fatal("accepting subscribers not delivered")
		}
	}
	assert.ElementsMatch(t, []string{"loose-1", "loose-2"}, ids)
	assert.Empty(t, got)
}

func TestSubscription_DropsOldestWhenFull(t *testing.T) {
	release := make(chan struct{})
	received := make(chan int, 10)

	sub := NewSubscription("/odom", "", func(m Message) {
		<-release
		received <- m["seq"].(int)
	}, SubscribeOptions{QueueDepth: 1}, nil)
	defer sub.Close()

	// The first message is picked up by the worker and blocks on release.
	sub.Deliver(Message{"seq": 0})
	require.Eventually(t, func() bool { return len(sub.queue) == 0 }, time.Second, time.Millisecond)

	sub.Deliver(Message{"seq": 1})
	sub.Deliver(Message{"seq": 2})
	close(release)

	assert.Equal(t, 0, <-received)
	assert.Equal(t, 2, <-received)
	_, dropped := sub.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestSubscription_Throttle(t *testing.T) {
	sub := NewSubscription("/odom", "", func(Message) {}, SubscribeOptions{ThrottleInterval: time.Hour}, nil)
	defer sub.Close()

	assert.True(t, sub.Deliver(Message{}))
	assert.False(t, sub.Deliver(Message{}), "second message inside the interval is dropped")
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	sub := NewSubscription("/odom", "", func(Message) {}, SubscribeOptions{}, nil)
	sub.Close()
	sub.Close()
	assert.True(t, sub.Closed())
	assert.False(t, sub.Deliver(Message{}))
}

func TestSubscription_SurvivesCallbackPanic(t *testing.T) {
	calls := make(chan struct{}, 2)
	sub := NewSubscription("/odom", "", func(m Message) {
		calls <- struct{}{}
		if m["boom"] == true {
			panic("boom")
		}
	}, SubscribeOptions{QueueDepth: 4}, nil)
	defer sub.Close()

	sub.Deliver(Message{"boom": true})
	sub.Deliver(Message{})
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("subscription stopped after panic")
		}
	}
}

func TestSubscriptions_Registry(t *testing.T) {
	reg := NewSubscriptions()
	a := NewSubscription("/odom", "", func(Message) {}, SubscribeOptions{}, nil)
	b := NewSubscription("/odom", "", func(Message) {}, SubscribeOptions{}, nil)
	c := NewSubscription("/joint_states", "", func(Message) {}, SubscribeOptions{}, nil)
	reg.Add(a)
	reg.Add(b)
	reg.Add(c)

	assert.Equal(t, 2, reg.CountTopic("/odom"))
	assert.Equal(t, 3, reg.Len())

	assert.Same(t, a, reg.Remove(a.Handle))
	assert.Nil(t, reg.Remove(a.Handle), "second remove is a no-op")
	assert.True(t, a.Closed())

	closed := reg.CloseAll()
	assert.Len(t, closed, 2)
	assert.Equal(t, 0, reg.Len())
	assert.True(t, c.Closed())
}

func TestRawPixels(t *testing.T) {
	f := &Frame{Data: []byte{1, 2, 3, 4, 5, 6}, Shape: Shape{Height: 1, Width: 2, Channels: 3}}
	enc := EncodeRawPixels(f)
	assert.False(t, IsJPEG(enc))

	got, err := DecodePayload(enc)
	require.NoError(t, err)
	assert.Equal(t, f.Data, got.Data)
	assert.Equal(t, f.Shape, got.Shape)

	_, err = DecodeRawPixels(enc[:len(enc)-1])
	assert.Error(t, err, "size mismatch")
	_, err = DecodeRawPixels([]byte{1, 2})
	assert.Error(t, err, "short header")
}

func TestJPEGRoundTrip(t *testing.T) {
	f := &Frame{Shape: Shape{Height: 8, Width: 8, Channels: 3}}
	f.Data = make([]byte, f.Size())
	for i := 0; i < len(f.Data); i += 3 {
		f.Data[i] = 200 // blue
	}

	data, err := EncodeJPEG(f, 95)
	require.NoError(t, err)
	require.True(t, IsJPEG(data))

	got, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, f.Shape, got.Shape)
	assert.InDelta(t, 200, int(got.Data[0]), 12, "blue channel first")
	assert.InDelta(t, 0, int(got.Data[2]), 12)
	assert.False(t, got.Timestamp.IsZero())

	_, err = EncodeJPEG(&Frame{Data: []byte{1}, Shape: Shape{Height: 2, Width: 2, Channels: 3}}, 80)
	assert.Error(t, err)
	_, err = DecodeImage(nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}
