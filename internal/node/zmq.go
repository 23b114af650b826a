package node

import (
	"context"
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/poolacct/pkg/log"
)

// ZMQNotifier subscribes to the daemon's hashblock notifications. Each
// announced hash drives the chain-state refresh; missed notifications are
// harmless because the periodic lifecycle poll covers the same ground.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a ZMQ notifier for the given endpoint.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Connect connects and subscribes to block hash announcements.
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	if err := z.socket.SetSubscribe("hashblock"); err != nil {
		return fmt.Errorf("failed to subscribe to hashblock: %w", err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers announced block hashes to handler until ctx ends.
// Handler failures are logged and do not stop the listener.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(blockHash string) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 || string(msg[0]) != "hashblock" {
			continue
		}
		if len(msg[1]) != 32 {
			z.logger.Warn("malformed block hash notification", "length", len(msg[1]))
			continue
		}

		hash := reverseHex(msg[1])
		z.logger.Debug("new block notification", "hash", hash)

		if err := handler(hash); err != nil {
			z.logger.WithError(err).Error("failed to handle block notification", "hash", hash)
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

// reverseHex reverses hash bytes into display byte order.
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		reversed[i] = data[len(data)-1-i]
	}
	return fmt.Sprintf("%x", reversed)
}
