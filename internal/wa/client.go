// Package wa provides a direct WhatsApp session used as a WhatsApp provider
// alongside the Evolution API instances.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"survey-dispatch/internal/provider"
)

// ErrNotConnected is returned by Send while the session is offline.
var ErrNotConnected = errors.New("whatsapp session not connected")

// Config holds configuration to initialise the WhatsApp session.
type Config struct {
	StorePath string
	LogLevel  string
}

// Client wraps a whatsmeow client as a provider.Sender.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	connected atomic.Bool
}

// New creates a WhatsApp session backed by an SQLite device store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	wc := &Client{
		client: whatsmeow.NewClient(deviceStore, waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)),
		logger: logger.With("component", "wa"),
	}
	wc.client.AddEventHandler(wc.handleEvent)
	return wc, nil
}

// Start connects the session, logging the pairing QR code when the device
// has not been linked yet.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the session.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Connected reports whether the session is logged in and online.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send implements provider.Sender. Contacts are digits-only international numbers.
func (c *Client) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	if !c.Connected() || !c.client.IsConnected() {
		return nil, ErrNotConnected
	}
	to, err := recipientJID(msg.Contact)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.SendMessage(ctx, to, &waProto.Message{
		Conversation: proto.String(msg.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("send text: %w", err)
	}
	return &provider.Receipt{MessageID: string(resp.ID), Status: "sent"}, nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.connected.Store(true)
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.connected.Store(false)
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.connected.Store(false)
		c.logger.Error("device logged out, pairing required", "reason", v.Reason.String())
	case *events.Message:
		if v.Message != nil && !v.Info.IsFromMe {
			c.logger.Debug("inbound message ignored", "from", v.Info.Sender.User)
		}
	}
}

func recipientJID(contact string) (types.JID, error) {
	user := strings.TrimPrefix(strings.TrimSpace(contact), "+")
	if user == "" {
		return types.JID{}, fmt.Errorf("%w: empty whatsapp number", provider.ErrInvalidRecipient)
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("%w: whatsapp number %q", provider.ErrInvalidRecipient, contact)
		}
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
