package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/pkg/log"
)

// ZMQ topics published by Bitcoin Core
const (
	TopicHashBlock = "hashblock"
	TopicHashTx    = "hashtx"
	TopicRawBlock  = "rawblock"
	TopicRawTx     = "rawtx"
)

const zmqPollInterval = 250 * time.Millisecond

// ZMQNotifier handles ZMQ notifications from Bitcoin Core
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   log.Emitter
}

// NewZMQNotifier creates a SUB socket for endpoint
func NewZMQNotifier(endpoint string, logger log.Emitter) (*ZMQNotifier, error) {
	if logger == nil {
		logger = log.Discard
	}
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Emit("zmq", slog.LevelInfo, "subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Emit("zmq", slog.LevelInfo, "connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is cancelled
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		polled, err := poller.Poll(zmqPollInterval)
		if err != nil {
			z.logger.Emit("zmq", slog.LevelError, "ZMQ poll failed", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.Emit("zmq", slog.LevelError, "failed to receive ZMQ message", "error", err)
			continue
		}
		if len(msg) < 2 {
			z.logger.Emit("zmq", slog.LevelWarn, "received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.Emit("zmq", slog.LevelError, "failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler dispatches Bitcoin Core notifications
type BlockNotificationHandler struct {
	logger     log.Emitter
	onNewBlock func(blockHash string) error
	onNewTx    func(txHash string) error
}

// NewBlockNotificationHandler creates a new block notification handler
func NewBlockNotificationHandler(logger log.Emitter) *BlockNotificationHandler {
	if logger == nil {
		logger = log.Discard
	}
	return &BlockNotificationHandler{logger: logger}
}

// SetNewBlockHandler sets the handler for new block notifications
func (h *BlockNotificationHandler) SetNewBlockHandler(handler func(blockHash string) error) {
	h.onNewBlock = handler
}

// SetNewTxHandler sets the handler for new transaction notifications
func (h *BlockNotificationHandler) SetNewTxHandler(handler func(txHash string) error) {
	h.onNewTx = handler
}

// HandleMessage handles one ZMQ message
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicHashBlock:
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}
		blockHash := reverseHex(data)
		h.logger.Emit("zmq", slog.LevelInfo, "new block notification", "hash", blockHash)
		if h.onNewBlock != nil {
			return h.onNewBlock(blockHash)
		}

	case TopicHashTx:
		if len(data) != 32 {
			return fmt.Errorf("invalid tx hash length: %d", len(data))
		}
		txHash := reverseHex(data)
		if h.onNewTx != nil {
			return h.onNewTx(txHash)
		}

	case TopicRawBlock, TopicRawTx:
		h.logger.Emit("zmq", slog.LevelDebug, "raw notification", "topic", topic, "size", len(data))

	default:
		h.logger.Emit("zmq", slog.LevelWarn, "unknown ZMQ topic", "topic", topic)
	}

	return nil
}

// BlockTrigger returns a new-block handler that signals trigger without
// blocking. Signals coalesce while one is pending.
func BlockTrigger(trigger chan<- struct{}) func(string) error {
	return func(string) error {
		select {
		case trigger <- struct{}{}:
		default:
		}
		return nil
	}
}

// reverseHex reverses bytes and converts to hex string
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return hex.EncodeToString(reversed)
}
