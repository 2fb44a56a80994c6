package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message types understood by the worker.
const (
	MessageSkipWaiting  = "SKIP_WAITING"
	MessageGetCacheSize = "GET_CACHE_SIZE"
	ReplyCacheSizes     = "CACHE_SIZES"
)

// Message 是通过消息通道收到的命令。
type Message struct {
	Type string `json:"type"`
}

// ParseMessage 解析 JSON 消息，要求为对象。
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	return msg, nil
}

// CacheSizeReply 是 GET_CACHE_SIZE 的回复，Sizes 为全部缓存条目总数。
type CacheSizeReply struct {
	Type  string `json:"type"`
	Sizes int    `json:"sizes"`
}

// MessageResult 描述消息处理结果；Reply 为空表示无回复。
type MessageResult struct {
	Reply any
	// Activate 为 true 时宿主应立即派发 activate。
	Activate bool
}

// HandleMessage 处理消息命令，未知类型只记日志。
func (w *Worker) HandleMessage(ctx context.Context, msg Message) (MessageResult, error) {
	log := w.logger.WithField("action", "message").WithField("type", msg.Type)
	switch msg.Type {
	case MessageSkipWaiting:
		activate := w.SkipWaiting()
		log.WithField("activate_now", activate).Info("skip_waiting")
		return MessageResult{Activate: activate}, nil
	case MessageGetCacheSize:
		total, err := w.registry.Size(ctx)
		if err != nil {
			log.WithError(err).Warn("cache_size_failed")
			return MessageResult{}, err
		}
		log.WithField("sizes", total).Info("cache_size")
		return MessageResult{Reply: CacheSizeReply{Type: ReplyCacheSizes, Sizes: total}}, nil
	default:
		log.Info("message_ignored")
		return MessageResult{}, nil
	}
}
