package remotecache

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"wmonorepo/internal/logging"
)

const keyPrefix = "wmonorepo:cache:"

// Valkey is a RemoteCache backed by a Valkey (or Redis) server.
type Valkey struct {
	client valkey.Client
	logger *zap.Logger
}

var _ RemoteCache = (*Valkey)(nil)

// NewValkey connects to addr and verifies the connection with PING.
func NewValkey(addr string, logger *zap.Logger) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Valkey: %w", err)
	}

	logger = logging.OrNop(logger)
	logger.Info("remote cache connected", zap.String("address", addr))
	return &Valkey{client: client, logger: logger}, nil
}

// Fetch implements RemoteCache.
func (v *Valkey) Fetch(ctx context.Context, fp string) ([]byte, bool, error) {
	data, err := v.client.Do(ctx, v.client.B().Get().Key(keyPrefix+fp).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("remote cache get: %w", err)
	}
	return data, true, nil
}

// Put implements RemoteCache.
func (v *Valkey) Put(ctx context.Context, fp string, data []byte) error {
	cmd := v.client.B().Set().Key(keyPrefix + fp).Value(valkey.BinaryString(data)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("remote cache set: %w", err)
	}
	v.logger.Debug("remote cache put", zap.String("fingerprint", fp), zap.Int("bytes", len(data)))
	return nil
}

// Close releases the client connections.
func (v *Valkey) Close() {
	v.client.Close()
}
