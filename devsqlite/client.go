// Package devsqlite implements the device-side synchronization engine:
// a durable SQLite-backed mutation queue with prioritized dispatch,
// change-feed polling with conflict detection and resolution, device
// identity and presence tracking, and an in-process event bus.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TokenFunc returns the bearer token used for store requests.
type TokenFunc func(ctx context.Context) (string, error)

// SessionCheck reports whether this device's session is currently valid.
// Operations queued while the session is invalid are held, not dropped.
type SessionCheck func(ctx context.Context) (bool, error)

// Signals are the inputs combined into the device fingerprint. Zero-value
// fields are filled from the host environment.
type Signals struct {
	Hostname string
	OS       string
	Arch     string
	Agent    string
}

// Config holds tunables for the sync client. All durations are explicit
// configuration, not constants scattered through the components.
type Config struct {
	HeartbeatInterval time.Duration // presence heartbeat period
	OnlineTimeout     time.Duration // no heartbeat within this window => offline
	PollInterval      time.Duration // change-feed poll period
	DispatchInterval  time.Duration // background queue drain period
	BackoffMin        time.Duration // first retry delay
	BackoffMax        time.Duration // backoff ceiling
	MaxAttempts       int           // delivery attempts before an op is failed
	RecentApplyWindow time.Duration // window in which a finished local op still counts as overlapping
	CriticalTables    []string      // tables whose conflicts are critical priority
	SessionValid      SessionCheck  // nil means always valid
	Cipher            Cipher        // nil means NoopCipher
	Signals           *Signals      // nil means host defaults
}

// DefaultConfig returns the standard tuning: 30s heartbeats with a 60s
// online window, 1s..60s dispatch backoff and five delivery attempts.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		OnlineTimeout:     60 * time.Second,
		PollInterval:      5 * time.Second,
		DispatchInterval:  1 * time.Second,
		BackoffMin:        1 * time.Second,
		BackoffMax:        60 * time.Second,
		MaxAttempts:       5,
		RecentApplyWindow: 10 * time.Second,
	}
}

// Client is the per-device sync engine. It owns the local queue, conflict
// list and presence cache; all access goes through its API. Construct with
// NewClient, run background loops with Start, release with Close.
type Client struct {
	DB      *sql.DB
	BaseURL string
	UserID  string
	Token   TokenFunc
	HTTP    *http.Client

	config *Config
	logger *slog.Logger
	bus    *Bus
	cipher Cipher

	deviceID string

	writeMu sync.Mutex // serialize local write transactions

	online  atomic.Bool
	syncing atomic.Bool

	forceCh chan struct{}

	presenceMu sync.Mutex
	lastSeen   map[string]time.Time
	wasOnline  map[string]bool

	now func() time.Time

	startMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewClient creates a sync client over an open SQLite database. The sync
// metadata tables are created if missing and the device fingerprint is
// derived (and its salt persisted) immediately, so DeviceID is valid before
// Start is called.
func NewClient(db *sql.DB, baseURL, userID string, token TokenFunc, config *Config, logger *slog.Logger) (*Client, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL must be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cipher := config.Cipher
	if cipher == nil {
		cipher = NoopCipher{}
	}

	c := &Client{
		DB:        db,
		BaseURL:   baseURL,
		UserID:    userID,
		Token:     token,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		config:    config,
		logger:    logger,
		bus:       NewBus(logger),
		cipher:    cipher,
		forceCh:   make(chan struct{}, 1),
		lastSeen:  make(map[string]time.Time),
		wasOnline: make(map[string]bool),
		now:       time.Now,
	}
	// Assume reachable until a transport failure proves otherwise.
	c.online.Store(true)

	deviceID, err := c.loadFingerprint(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to derive device fingerprint: %w", err)
	}
	c.deviceID = deviceID

	return c, nil
}

// DeviceID returns this installation's stable fingerprint.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Bus returns the client's event bus for subscriptions.
func (c *Client) Bus() *Bus {
	return c.bus
}

// Subscribe registers a handler on the client's event bus.
func (c *Client) Subscribe(topic Topic, h Handler) func() {
	return c.bus.Subscribe(topic, h)
}

// Start launches the background dispatch, change-poll and heartbeat loops.
// Calling Start twice is an error; Start after Close is an error.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("client is closed")
	}
	if c.cancel != nil {
		return fmt.Errorf("client already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(loopCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.pollLoop(loopCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(loopCtx)
	}()

	c.logger.Info("sync client started",
		"device_id", c.deviceID,
		"base_url", c.BaseURL)
	return nil
}

// Close stops the background loops and waits for them to exit. It is
// idempotent and safe to call during teardown at any point; it only stops
// local bookkeeping — an in-flight store call that was already sent may
// still be applied remotely.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.startMu.Lock()
	cancel := c.cancel
	c.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// IsOnline reports whether the last store round-trip succeeded.
func (c *Client) IsOnline() bool {
	return c.online.Load()
}

func (c *Client) setOnline(online bool) {
	c.online.Store(online)
}

func (c *Client) sessionValid(ctx context.Context) bool {
	if c.config.SessionValid == nil {
		return true
	}
	valid, err := c.config.SessionValid(ctx)
	if err != nil {
		c.logger.Warn("session check failed, holding dispatch", "error", err)
		return false
	}
	return valid
}
