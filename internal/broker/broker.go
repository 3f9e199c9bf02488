// Package broker orchestrates the authorization flow and keeps stored
// credentials usable. It owns no I/O of its own: the protocol client and
// the stores are injected.
package broker

//go:generate mockgen -source=broker.go -destination=mocks_test.go -package=broker -exclude_interfaces=PendingStore,CredentialStore,Recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/mcp-connect/internal/events"
	"github.com/alexjbarnes/mcp-connect/internal/models"
	"github.com/alexjbarnes/mcp-connect/internal/oauth"
	"golang.org/x/sync/singleflight"
)

const (
	// PendingTTL is how long a user has to complete the provider's consent
	// screen.
	PendingTTL = 10 * time.Minute

	// RefreshBuffer is how far ahead of expiry a token is refreshed.
	RefreshBuffer = 60 * time.Second

	// DefaultSweepInterval is the sweep period used by the binary.
	DefaultSweepInterval = 5 * time.Minute
)

// Outcome labels passed to the Recorder. Callback failures use the error
// kind code instead.
const (
	outcomeOK     = "ok"
	outcomeReauth = "reauth"
	outcomeError  = "error"
)

// OAuthClient is the protocol side of the flow. *oauth.Client satisfies it.
type OAuthClient interface {
	Discover(ctx context.Context, baseURL string) (*oauth.Discovery, error)
	Register(ctx context.Context, registrationEndpoint string, meta *oauth.ServerMetadata, redirectURI, clientName string) (*oauth.RegistrationResponse, error)
	ExchangeCode(ctx context.Context, p oauth.ExchangeParams) (*oauth.Token, error)
	RefreshTokens(ctx context.Context, tokenEndpoint, clientID, refreshToken string) (*oauth.Token, error)
}

// PendingStore persists in-flight authorizations. *state.State satisfies it.
type PendingStore interface {
	CreatePending(p models.PendingAuthorization) error
	ConsumePending(state string, now time.Time) (*models.PendingAuthorization, error)
	SweepExpiredPending(now time.Time) (int, error)
}

// CredentialStore persists credentials. *state.State satisfies it.
type CredentialStore interface {
	UpsertCredential(c models.OAuthCredential) error
	GetCredential(userID, pluginID string) (*models.OAuthCredential, error)
	DeleteCredential(userID, pluginID string) error
	ConnectedPlugins(userID string) ([]string, error)
}

// Publisher receives completion events. *events.Hub satisfies it.
type Publisher interface {
	Publish(e events.Event)
}

// Recorder counts flow outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	AuthorizationStarted()
	CallbackCompleted(outcome string)
	TokenRefreshed(outcome string)
	PendingSwept(n int)
}

type nopRecorder struct{}

func (nopRecorder) AuthorizationStarted() {}
func (nopRecorder) CallbackCompleted(string) {}
func (nopRecorder) TokenRefreshed(string) {}
func (nopRecorder) PendingSwept(int) {}

// Broker runs authorization flows and resolves tokens. It is safe for
// concurrent use.
type Broker struct {
	client      OAuthClient
	pending     PendingStore
	credentials CredentialStore
	publisher   Publisher
	recorder    Recorder
	logger      *slog.Logger
	clientName  string
	now         func() time.Time

	refreshGroup singleflight.Group
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPublisher sets where completion events go.
func WithPublisher(p Publisher) Option {
	return func(b *Broker) {
		b.publisher = p
	}
}

// WithRecorder sets where flow outcomes are counted.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		if r != nil {
			b.recorder = r
		}
	}
}

// WithClientName sets the client_name prefix used during registration.
func WithClientName(name string) Option {
	return func(b *Broker) {
		if name != "" {
			b.clientName = name
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates a Broker.
func New(client OAuthClient, pending PendingStore, credentials CredentialStore, opts ...Option) *Broker {
	b := &Broker{
		client:      client,
		pending:     pending,
		credentials: credentials,
		recorder:    nopRecorder{},
		logger:      slog.Default(),
		clientName:  oauth.DefaultClientName,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) publish(e events.Event) {
	if b.publisher != nil {
		b.publisher.Publish(e)
	}
}
