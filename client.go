// Package engage is the client-side runtime core of the Engage SDK: it
// decides which app events cause a server round trip, delivers those round
// trips reliably over an unreliable network, and selects which locally
// cached in-app message fires in response to a device event.
//
// All state lives in an explicitly constructed Client - no package-level
// singletons. Construct one at SDK start, Close it at shutdown; tests build
// and tear down as many as they like.
package engage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsekit/engage-go/internal/clock"
	"github.com/pulsekit/engage-go/internal/config"
	"github.com/pulsekit/engage-go/internal/delivery"
	"github.com/pulsekit/engage-go/internal/dispatch"
	"github.com/pulsekit/engage-go/internal/occurrence"
	"github.com/pulsekit/engage-go/internal/request"
	"github.com/pulsekit/engage-go/internal/store"
	"github.com/pulsekit/engage-go/internal/trigger"
	"github.com/pulsekit/engage-go/internal/vars"
)

// API names of the fixed backend contract.
const (
	apiStart      = "start"
	apiTrack      = "track"
	apiImpression = "impression"
)

// Filter aliases re-export the trigger filters for callers.
type Filter = trigger.Filter

var (
	FilterDefault      = trigger.FilterDefault
	FilterAll          = trigger.FilterAll
	FilterMessagesOnly = trigger.FilterMessagesOnly
	FilterActionsOnly  = trigger.FilterActionsOnly
)

// Options configures a Client. Transport is required; everything else has
// working defaults.
type Options struct {
	AppID string

	// Token is the per-install token attached to every batch. Generated
	// once and persisted by the host when empty.
	Token string

	// StorePath is the SQLite path for durable state.
	StorePath string

	// Transport sends encoded batches to the backend.
	Transport delivery.Transport

	MaxBatchCount  int
	MaxBatchBytes  int
	SendTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Immediate forces send-on-enqueue for deterministic testing.
	Immediate bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics prometheus.Registerer
}

// OptionsFromConfig maps a loaded config file onto Options. When the config
// names an API URL the default HTTP transport is installed; a caller with a
// custom transport overrides the field afterward.
func OptionsFromConfig(cfg config.Config) Options {
	var transport delivery.Transport
	if cfg.App.APIURL != "" {
		transport = delivery.NewHTTPTransport(cfg.App.APIURL)
	}
	return Options{
		AppID:          cfg.App.ID,
		StorePath:      cfg.Storage.Path,
		Transport:      transport,
		MaxBatchCount:  cfg.Delivery.MaxBatchCount,
		MaxBatchBytes:  cfg.Delivery.MaxBatchBytes,
		SendTimeout:    cfg.SendTimeout(),
		BackoffInitial: cfg.BackoffBase(),
		BackoffMax:     cfg.BackoffMax(),
	}
}

// NewFromConfigDir loads engage.yaml from dir (plus ENGAGE_ environment
// overrides), sets up logging, and builds a client from the result.
func NewFromConfigDir(dir string) (*Client, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("engage: %w", err)
	}
	opts := OptionsFromConfig(cfg)
	opts.Logger = config.SetupLogging(cfg.App.LogLevel)
	return New(opts)
}

// Client is the SDK runtime core. Safe for concurrent use: producers on
// any goroutine enqueue events and evaluate triggers; a single background
// worker drains the delivery queue.
type Client struct {
	opts     Options
	clk      clock.Clock
	logger   *slog.Logger
	store    *store.Store
	queue    *delivery.Queue
	cache    *vars.Cache
	tracker  *occurrence.Tracker
	engine   *trigger.Engine
	registry *dispatch.Registry
}

// New constructs the runtime core: opens durable storage, seeds occurrence
// counters, installs the last persisted config snapshot for offline
// operation, and starts the delivery worker.
//
// Call Start to perform the server start request; until it completes the
// client runs on the persisted snapshot (or none).
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("engage: Options.Transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	if opts.StorePath == "" {
		opts.StorePath = "engage.db"
	}
	if opts.Token == "" {
		opts.Token = uuid.Must(uuid.NewV7()).String()
	}

	st, err := store.Open(opts.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("engage: open store: %w", err)
	}

	ctx := context.Background()

	cache := vars.NewCache(st, logger)
	if _, err := cache.LoadPersisted(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("engage: %w", err)
	}

	tracker := occurrence.NewTracker(st, logger)
	if err := tracker.Load(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("engage: %w", err)
	}

	queue := delivery.New(st, opts.Transport, clk, delivery.Config{
		Token:          opts.Token,
		MaxBatchCount:  opts.MaxBatchCount,
		MaxBatchBytes:  opts.MaxBatchBytes,
		SendTimeout:    opts.SendTimeout,
		BackoffInitial: opts.BackoffInitial,
		BackoffMax:     opts.BackoffMax,
		Immediate:      opts.Immediate,
	}, logger, delivery.NewMetrics(opts.Metrics))

	c := &Client{
		opts:     opts,
		clk:      clk,
		logger:   logger,
		store:    st,
		queue:    queue,
		cache:    cache,
		tracker:  tracker,
		registry: dispatch.NewRegistry(logger),
	}
	c.engine = trigger.New(cache, tracker, c.trackFire, c.registry.Dispatch, logger)

	queue.Start()
	return c, nil
}

// Close stops the delivery worker and closes storage. Pending requests
// stay durably logged and deliver on the next start.
func (c *Client) Close() error {
	c.queue.Close()
	return c.store.Close()
}

// Start begins a session and enqueues the start request. The response
// carries the configuration snapshot, which is applied atomically on
// delivery. Offline, the client keeps running on the persisted snapshot
// installed by New; the start request stays queued and retries.
func (c *Client) Start(ctx context.Context) error {
	c.tracker.ResetSession()

	req := request.New("POST", apiStart, request.Params{
		request.Param("appId", c.opts.AppID),
	}, c.clk.Now())

	_, err := c.queue.Enqueue(ctx, req, func(p request.Paired) {
		if !p.Result.Success {
			c.logger.Error("start request failed", "error", p.Result.Error)
			return
		}
		snap, err := vars.Decode(p.Result.Raw)
		if err != nil {
			c.logger.Error("undecodable start response", "error", err)
			return
		}
		c.cache.Apply(context.Background(), snap)
		c.logger.Info("config snapshot applied", "version", snap.Version)
	})
	if err != nil {
		return fmt.Errorf("engage: start: %w", err)
	}
	return nil
}

// StartSession marks an app-foreground boundary: session-scoped occurrence
// counters reset; lifetime counters are untouched.
func (c *Client) StartSession() {
	c.tracker.ResetSession()
}

// EndSession marks an app-background boundary and flushes pending requests.
func (c *Client) EndSession() {
	c.Flush()
}

// RecordEvent enqueues a tracking request for an app event and returns the
// request id. The request is durably logged before this returns; delivery
// happens asynchronously and transient failures never surface here.
func (c *Client) RecordEvent(ctx context.Context, name string, params map[string]any) (string, error) {
	p := request.Params{request.Param("event", name)}
	if len(params) > 0 {
		p = p.With("params", params)
	}
	req := request.New("POST", apiTrack, p, c.clk.Now())
	if _, err := c.queue.Enqueue(ctx, req, nil); err != nil {
		return "", fmt.Errorf("engage: record event %q: %w", name, err)
	}
	return req.ID, nil
}

// MaybePerformActions evaluates a device event against the active message
// definitions and fires the selected message(s) through the registered
// rendering sinks. Returns the fired message ids; empty is a normal
// outcome, including before any snapshot is loaded.
func (c *Client) MaybePerformActions(eventName, contextName string, filter Filter, contextual map[string]any) []string {
	return c.engine.MaybePerformActions(eventName, contextName, filter, contextual)
}

// TrackImpression reports that a fired message was actually displayed.
// Increments the durable lifetime counter and enqueues an impression event.
func (c *Client) TrackImpression(ctx context.Context, messageID string) error {
	if err := c.tracker.RecordImpression(ctx, messageID); err != nil {
		return fmt.Errorf("engage: %w", err)
	}
	req := request.New("POST", apiImpression, request.Params{
		request.Param("messageId", messageID),
	}, c.clk.Now())
	if _, err := c.queue.Enqueue(ctx, req, nil); err != nil {
		return fmt.Errorf("engage: track impression: %w", err)
	}
	return nil
}

// OnConfigUpdated registers a callback invoked with the diff whenever the
// active snapshot changes.
func (c *Client) OnConfigUpdated(fn func(vars.Diff)) {
	c.cache.OnUpdate(fn)
}

// OnDeliveryError registers a callback for permanently rejected batches.
func (c *Client) OnDeliveryError(fn func(err *delivery.Error)) {
	c.queue.OnError(fn)
}

// RegisterSink installs the rendering sink for a message kind.
func (c *Client) RegisterSink(kind vars.MessageKind, sink dispatch.Sink) {
	c.registry.Register(kind, sink)
}

// Flush forces an immediate drain attempt of the delivery queue. Used at
// app background/foreground transitions.
func (c *Client) Flush() {
	c.queue.RequestSend()
}

// trackFire records a fire decision to server-side analytics so they
// reflect the engine's selection even if display later fails.
func (c *Client) trackFire(messageID, eventName string, contextual map[string]any) {
	p := request.Params{
		request.Param("event", eventName),
		request.Param("messageId", messageID),
		request.Param("messageTriggered", true),
	}
	if len(contextual) > 0 {
		p = p.With("params", contextual)
	}
	req := request.New("POST", apiTrack, p, c.clk.Now())
	if _, err := c.queue.Enqueue(context.Background(), req, nil); err != nil {
		// Contained: the fire decision stands; only analytics lag.
		c.logger.Error("failed to enqueue trigger tracking event",
			"message_id", messageID, "error", err)
	}
}
