package statuschannel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vaultflow/internal/retry"
	"vaultflow/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// collector 收集回调消息
type collector struct {
	mu   sync.Mutex
	msgs []models.StatusMessage
	done chan struct{}
	once sync.Once
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) handle(msg models.StatusMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	if IsTerminalStatus(msg.Status) {
		c.once.Do(func() { close(c.done) })
	}
}

func (c *collector) wait(t *testing.T) []models.StatusMessage {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("等待终止状态超时")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StatusMessage(nil), c.msgs...)
}

func TestTranslateStatus(t *testing.T) {
	tests := []struct {
		status string
		phase  models.Phase
		ok     bool
	}{
		{"PROVING", models.PhaseProving, true},
		{"proved", models.PhaseSending, true},
		{"SENDING", models.PhaseSending, true},
		{"PENDING", models.PhasePendingInclusion, true},
		{"SUCCESS", models.PhaseIncluded, true},
		{"INCLUDED", models.PhaseIncluded, true},
		{"FAILED", models.PhaseFailed, true},
		{StatusTimeout, models.PhaseFailed, true},
		{"QUEUED", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			phase, ok := TranslateStatus(tt.status)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.phase, phase)
		})
	}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"status":"SUCCESS","hash":"5Jabc"}`))
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", msg.Status)
	assert.Equal(t, "5Jabc", msg.Hash)

	_, err = Decode([]byte(`{"hash":"5Jabc"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func newWSServer(t *testing.T, gotID chan<- string, script []map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		gotID <- r.URL.Query().Get("txId")

		ctx := r.Context()
		for _, m := range script {
			if err := wsjson.Write(ctx, conn, m); err != nil {
				return
			}
		}
		// 保持连接直到客户端关闭
		_, _, _ = conn.Read(ctx)
	}))
}

func TestWebsocketSubscriber(t *testing.T) {
	gotID := make(chan string, 1)
	server := newWSServer(t, gotID, []map[string]string{
		{"status": "PROVING"},
		{"unexpected": "payload"},
		{"status": "SENDING", "hash": "5Jabc"},
		{"status": "SUCCESS", "hash": "5Jabc"},
		{"status": "FAILED"},
	})
	defer server.Close()

	sub := NewWebsocketSubscriber(WebsocketConfig{URL: server.URL}, quietLogger())
	c := newCollector()
	unsubscribe, err := sub.Subscribe(context.Background(), "corr-1", c.handle)
	require.NoError(t, err)
	defer unsubscribe()

	assert.Equal(t, "corr-1", <-gotID)

	msgs := c.wait(t)
	require.Len(t, msgs, 3, "终止状态之后的消息不再投递")
	assert.Equal(t, "PROVING", msgs[0].Status)
	assert.Equal(t, "5Jabc", msgs[1].Hash)
	assert.Equal(t, "SUCCESS", msgs[2].Status)
}

func TestWebsocketSubscriber_Timeout(t *testing.T) {
	gotID := make(chan string, 1)
	server := newWSServer(t, gotID, nil)
	defer server.Close()

	sub := NewWebsocketSubscriber(WebsocketConfig{URL: server.URL, Timeout: 100 * time.Millisecond}, quietLogger())
	c := newCollector()
	unsubscribe, err := sub.Subscribe(context.Background(), "corr-2", c.handle)
	require.NoError(t, err)
	defer unsubscribe()

	msgs := c.wait(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusTimeout, msgs[0].Status)
	assert.Equal(t, MsgStatusTimeout, msgs[0].Error)
}

func TestWebsocketSubscriber_Unsubscribe(t *testing.T) {
	gotID := make(chan string, 1)
	server := newWSServer(t, gotID, nil)
	defer server.Close()

	sub := NewWebsocketSubscriber(WebsocketConfig{URL: server.URL, Timeout: 200 * time.Millisecond}, quietLogger())
	c := newCollector()
	unsubscribe, err := sub.Subscribe(context.Background(), "corr-3", c.handle)
	require.NoError(t, err)
	<-gotID

	unsubscribe()
	unsubscribe()
	time.Sleep(400 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.msgs, "主动取消后不投递超时状态")
}

func TestWebsocketSubscriber_DialFailure(t *testing.T) {
	cfg := WebsocketConfig{
		URL:   "http://127.0.0.1:1",
		Retry: retry.Config{MaxAttempts: 1},
	}
	_, err := NewWebsocketSubscriber(cfg, quietLogger()).Subscribe(context.Background(), "x", func(models.StatusMessage) {})
	assert.Error(t, err)
}

func TestKafkaSubscriber(t *testing.T) {
	consumer := mocks.NewConsumer(t, mocks.NewTestConfig())
	consumer.SetTopicMetadata(map[string][]int32{DefaultStatusTopic: {0}})
	pc := consumer.ExpectConsumePartition(DefaultStatusTopic, 0, sarama.OffsetNewest)

	pc.YieldMessage(&sarama.ConsumerMessage{Key: []byte("other"), Value: []byte(`{"status":"FAILED"}`)})
	pc.YieldMessage(&sarama.ConsumerMessage{Key: []byte("corr-1"), Value: []byte(`{"status":"PROVING"}`)})
	pc.YieldMessage(&sarama.ConsumerMessage{Key: []byte("corr-1"), Value: []byte(`garbage`)})
	pc.YieldMessage(&sarama.ConsumerMessage{Key: []byte("corr-1"), Value: []byte(`{"status":"SUCCESS","hash":"5Jxyz"}`)})

	sub := NewKafkaSubscriberWithConsumer(consumer, KafkaConfig{}, quietLogger())
	c := newCollector()
	unsubscribe, err := sub.Subscribe(context.Background(), "corr-1", c.handle)
	require.NoError(t, err)
	defer unsubscribe()

	msgs := c.wait(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "PROVING", msgs[0].Status)
	assert.Equal(t, "SUCCESS", msgs[1].Status)
	assert.Equal(t, "5Jxyz", msgs[1].Hash)
}

func TestKafkaSubscriber_UnknownTopic(t *testing.T) {
	consumer := mocks.NewConsumer(t, mocks.NewTestConfig())
	consumer.SetTopicMetadata(map[string][]int32{"other": {0}})

	sub := NewKafkaSubscriberWithConsumer(consumer, KafkaConfig{Topic: "missing"}, quietLogger())
	_, err := sub.Subscribe(context.Background(), "corr-1", func(models.StatusMessage) {})
	assert.Error(t, err)
}
