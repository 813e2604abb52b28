package chatter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/putto11262002/chatter-sync/internal/devserver"
	"github.com/putto11262002/chatter-sync/pkg/server"
	"golang.org/x/net/netutil"
)

// NewDevServer opens the database, picks the broker and returns the dev
// backend ready to Start. Everything it opened is released by the server's
// clean up functions.
func NewDevServer(ctx context.Context, config *ServerConfig, logger *slog.Logger) (*server.Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sqliteOptions := &devserver.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	db, err := devserver.NewSQLiteDB(config.SQLite.File, sqliteOptions)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	var broker devserver.Broker
	if config.Redis.Addr != "" {
		rb := devserver.NewRedisBroker(config.Redis.Addr, logger.With(slog.String("component", "broker")))
		if err := rb.Ping(ctx); err != nil {
			rb.Close()
			db.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		broker = rb
	} else {
		broker = devserver.NewMemoryBroker()
	}

	handler := devserver.New(ctx, devserver.NewSQLiteMessageStore(db.DB), broker, devserver.Options{
		Secret:         config.Auth.Secret,
		TokenTTL:       config.Auth.TokenTTL,
		AllowedOrigins: config.AllowedOrigins,
		Staff:          config.Staff,
	}, logger)

	ln, err := net.Listen("tcp", net.JoinHostPort(config.Hostname, strconv.Itoa(config.Port)))
	if err != nil {
		handler.Close(ctx)
		broker.Close()
		db.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	if config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, config.MaxConnections)
	}

	return &server.Server{
		Server:   &http.Server{Handler: handler, TLSConfig: config.tlsConfig()},
		Listener: ln,
		CertFile: config.TLS.Crt,
		KeyFile:  config.TLS.Key,
		Logger:   logger,
		CleanUpFuncs: []func(context.Context){
			func(ctx context.Context) {
				if err := handler.Close(ctx); err != nil {
					logger.Error("close connections", slog.Any("error", err))
				}
			},
			func(context.Context) { broker.Close() },
			func(context.Context) { db.Close() },
		},
	}, nil
}
