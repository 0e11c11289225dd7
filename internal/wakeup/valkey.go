package wakeup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	valkeylib "github.com/valkey-io/valkey-go"
)

const defaultConnectTimeout = 5 * time.Second

type ValkeyConfig struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// ValkeyClient wraps valkey-go with the configured key prefix.
type ValkeyClient struct {
	inner     valkeylib.Client
	keyPrefix string
}

// NewValkeyClient connects and pings within cfg.ConnectTimeout.
func NewValkeyClient(cfg ValkeyConfig) (*ValkeyClient, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey (timeout: %v): %w", timeout, err)
	}

	return &ValkeyClient{inner: inner, keyPrefix: normalizePrefix(cfg.KeyPrefix)}, nil
}

func normalizePrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

// Key joins parts under the client prefix: Key("wakeup") -> "courier:wakeup".
func (c *ValkeyClient) Key(parts ...string) string {
	return c.keyPrefix + strings.Join(parts, ":")
}

func (c *ValkeyClient) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Valkey is a Signal over Valkey pub/sub.
type Valkey struct {
	Client *ValkeyClient
}

func (v *Valkey) channel() string { return v.Client.Key("wakeup") }

func (v *Valkey) Notify(ctx context.Context) error {
	inner := v.Client.inner
	return inner.Do(ctx, inner.B().Publish().Channel(v.channel()).Message("1").Build()).Error()
}

func (v *Valkey) Listen(ctx context.Context, fn func()) error {
	inner := v.Client.inner
	logrus.WithField("channel", v.channel()).Info("[WAKEUP] Subscribing on valkey")
	err := inner.Receive(ctx, inner.B().Subscribe().Channel(v.channel()).Build(), func(valkeylib.PubSubMessage) {
		fn()
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (v *Valkey) Close() error {
	v.Client.Close()
	return nil
}
