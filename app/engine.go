package chatter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/api"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/putto11262002/chatter-sync/pkg/channel"
)

// Engine wires the session of one user to the REST API and the channel
// transport. The transport is shared by every conversation the user opens.
type Engine struct {
	config    *ClientConfig
	logger    *slog.Logger
	creds     auth.CredentialProvider
	api       *api.Client
	transport *channel.Client
	session   *core.Session
	bindings  *core.Bindings
}

func NewEngine(config *ClientConfig, logger *slog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		config:   config,
		logger:   logger,
		bindings: core.NewBindings(),
	}

	login, err := api.New(config.APIURL, api.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	switch {
	case config.Token != "":
		e.creds = auth.StaticToken(config.Token)
	case config.AuthorKind == string(core.Staff):
		e.creds = auth.NewCachedCredentials(login.LoginStaff(config.AuthorName, config.Password))
	default:
		e.creds = auth.NewCachedCredentials(login.LoginVisitor(config.AuthorName, config.ConversationID))
	}

	e.api, err = api.New(config.APIURL,
		api.WithCredentials(e.creds),
		api.WithLogger(logger.With(slog.String("component", "api"))))
	if err != nil {
		return nil, err
	}
	e.transport = channel.New(config.WSURL, e.creds,
		channel.WithLogger(logger.With(slog.String("component", "channel"))),
		channel.WithReconnectPolicy(config.ReconnectPolicy()))

	e.session = core.NewSession(e.api, e.api, e.transport,
		core.Author{Name: config.AuthorName, Kind: core.AuthorKind(config.AuthorKind)},
		core.WithTypingPinger(e.api),
		core.WithSessionConfig(config.SessionConfig()),
		core.WithSessionLogger(logger.With(slog.String("component", "session"))),
		core.WithBindings(e.bindings))
	return e, nil
}

// Open connects the transport and starts the session on a conversation. The
// configured conversation is used when conversationID is empty.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		conversationID = e.config.ConversationID
	}
	if conversationID == "" {
		return fmt.Errorf("open: %w", core.ErrNoActiveConversation)
	}
	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	return e.session.Start(ctx, conversationID)
}

func (e *Engine) Session() *core.Session {
	return e.session
}

// Close stops the session and disconnects the transport.
func (e *Engine) Close() error {
	e.session.Stop()
	return e.transport.Close()
}
