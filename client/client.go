// Package client wires the session layer together from configuration. It is
// the only object an application needs to hold.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-storefront-session/account"
	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/authapi"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/credentials/filestore"
	"github.com/jrsteele09/go-storefront-session/gateway"
	"github.com/jrsteele09/go-storefront-session/internal/config"
	"github.com/jrsteele09/go-storefront-session/internal/metrics"
	"github.com/jrsteele09/go-storefront-session/realtime"
	"github.com/jrsteele09/go-storefront-session/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Client is the authenticated storefront client.
type Client struct {
	config     config.Config
	store      credentials.Store
	httpClient *http.Client
	dialer     realtime.Dialer
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	session  *session.Controller
	gateway  *gateway.Gateway
	account  *account.Service
	realtime *realtime.Binder
}

// Option configures a Client
type Option func(*Client)

// WithStore replaces the file store configured by CREDENTIAL_FILE
func WithStore(store credentials.Store) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithHTTPClient sets the http client used for every backend call
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDialer replaces the websocket dialer of the realtime channel
func WithDialer(dialer realtime.Dialer) Option {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// New builds every component from cfg and restores the stored session.
func New(cfg config.Config, options ...Option) (*Client, error) {
	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.GetRequestTimeout()},
		registry:   prometheus.NewRegistry(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.metrics = metrics.New(c.registry)

	if c.store == nil {
		key, err := filestore.ParseKey(cfg.GetCredentialKey())
		if err != nil {
			return nil, fmt.Errorf("[client.New] %w", err)
		}
		var storeOptions []filestore.Option
		if key != nil {
			storeOptions = append(storeOptions, filestore.WithKey(key))
		}
		fs, err := filestore.New(cfg.GetCredentialFile(), storeOptions...)
		if err != nil {
			return nil, fmt.Errorf("[client.New] %w", err)
		}
		log.Debug().Str("path", fs.Path()).Bool("sealed", key != nil).Msg("credential file store opened")
		c.store = fs
	}
	if c.dialer == nil {
		c.dialer = realtime.NewWebsocketDialer(cfg.GetRealtimeURL())
	}

	auth := authapi.New(cfg.GetAPIURL(), authapi.WithHTTPClient(c.httpClient))
	controller, err := session.New(session.Deps{Store: c.store, Auth: auth},
		session.WithMetrics(c.metrics),
		session.WithRegistrationSentinel(cfg.GetRegistrationSentinel()),
		session.WithRefreshTimeout(cfg.GetRefreshTimeout()),
	)
	if err != nil {
		return nil, fmt.Errorf("[client.New] failed to create session: %w", err)
	}
	c.session = controller

	c.gateway, err = gateway.New(cfg.GetAPIURL(), controller,
		gateway.WithHTTPClient(c.httpClient),
		gateway.WithMetrics(c.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("[client.New] failed to create gateway: %w", err)
	}

	c.account, err = account.New(c.gateway, controller)
	if err != nil {
		return nil, fmt.Errorf("[client.New] failed to create account service: %w", err)
	}

	c.realtime, err = realtime.New(c.dialer, controller,
		realtime.WithMetrics(c.metrics),
		realtime.WithReconnect(cfg.GetReconnectTimeout(), cfg.GetReconnectInterval()),
		realtime.WithMaxAuthRejections(cfg.GetMaxAuthRejections()),
	)
	if err != nil {
		return nil, fmt.Errorf("[client.New] failed to create realtime binder: %w", err)
	}
	return c, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*credentials.Credential, error) {
	return c.session.Login(ctx, email, password)
}

func (c *Client) Register(ctx context.Context, request apimodel.RegisterRequest) (*credentials.Credential, error) {
	return c.session.Register(ctx, request)
}

func (c *Client) AdoptCredential(cred *credentials.Credential) error {
	return c.session.AdoptCredential(cred)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

func (c *Client) CurrentCredential() *credentials.Credential {
	return c.session.CurrentCredential()
}

func (c *Client) State() session.State {
	return c.session.State()
}

func (c *Client) Subscribe() *session.Subscription {
	return c.session.Subscribe()
}

// Call sends a business request through the gateway.
func (c *Client) Call(ctx context.Context, endpoint string, opts gateway.Options) (*gateway.Response, error) {
	return c.gateway.Call(ctx, endpoint, opts)
}

// Gateway exposes the gateway for gateway.CallJSON.
func (c *Client) Gateway() *gateway.Gateway {
	return c.gateway
}

func (c *Client) Account() *account.Service {
	return c.account
}

func (c *Client) Realtime() *realtime.Binder {
	return c.realtime
}

// Run keeps the realtime channel bound to the session until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.realtime.Run(ctx)
}

// Metrics returns the registry every component records on.
func (c *Client) Metrics() *prometheus.Registry {
	return c.registry
}
