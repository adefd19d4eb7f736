package statuschannel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vaultflow/internal/retry"
	"vaultflow/pkg/models"
)

// WebsocketConfig websocket 状态通道配置
type WebsocketConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   retry.Config  `mapstructure:"retry"`
}

// WebsocketSubscriber 每个订阅建立一条连接：{url}?txId={id}
type WebsocketSubscriber struct {
	cfg     WebsocketConfig
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewWebsocketSubscriber 创建 websocket 状态通道
func NewWebsocketSubscriber(cfg WebsocketConfig, logger *logrus.Logger) *WebsocketSubscriber {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.NetworkConfig
	}
	return &WebsocketSubscriber{
		cfg:     cfg,
		retrier: retry.NewRetrier(cfg.Retry, logger),
		logger:  logger,
	}
}

func (w *WebsocketSubscriber) endpoint(id string) (string, error) {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("状态通道地址无效: %w", err)
	}
	q := u.Query()
	q.Set("txId", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *WebsocketSubscriber) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	return retry.Do(ctx, w.retrier, "状态通道连接", func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, endpoint, nil)
		if err != nil {
			return nil, retry.MarkRetryable(err, true)
		}
		return conn, nil
	})
}

// Subscribe 建立连接并在后台读取状态消息
func (w *WebsocketSubscriber) Subscribe(ctx context.Context, id string, onMessage Handler) (Unsubscribe, error) {
	endpoint, err := w.endpoint(id)
	if err != nil {
		return nil, err
	}

	conn, err := w.dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("连接状态通道失败: %w", err)
	}

	sub := newSubscription(ctx, id, w.cfg.Timeout, onMessage)
	log := w.logger.WithField("tx_id", id)
	log.Debug("已订阅交易状态")

	go w.readLoop(sub, conn, endpoint, log)
	return sub.close, nil
}

func (w *WebsocketSubscriber) readLoop(sub *subscription, conn *websocket.Conn, endpoint string, log *logrus.Entry) {
	defer func() {
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		sub.expire()
		sub.close()
		log.Debug("交易状态订阅已结束")
	}()

	for {
		var raw map[string]interface{}
		err := wsjson.Read(sub.ctx, conn, &raw)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				log.Debug("状态通道被服务端关闭")
			} else {
				log.WithError(err).Warn("读取状态通道失败，尝试重连")
			}
			_ = conn.Close(websocket.StatusGoingAway, "")
			conn, err = w.dial(sub.ctx, endpoint)
			if err != nil {
				if sub.ctx.Err() == nil {
					sub.deliver(models.StatusMessage{Status: StatusLost, Error: MsgChannelLost})
				}
				return
			}
			continue
		}

		msg, ok := toStatusMessage(raw)
		if !ok {
			log.WithField("payload", raw).Warn("忽略无法解析的状态消息")
			continue
		}
		if sub.deliver(msg) {
			return
		}
	}
}

func toStatusMessage(raw map[string]interface{}) (models.StatusMessage, bool) {
	status, _ := raw["status"].(string)
	if status == "" {
		return models.StatusMessage{}, false
	}
	msg := models.StatusMessage{Status: status}
	msg.Hash, _ = raw["hash"].(string)
	msg.Error, _ = raw["error"].(string)
	return msg, true
}
