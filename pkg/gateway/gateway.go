// Package gateway assembles the federated data gateway: configuration,
// logging, the authenticator, the connector pools and FDW host, the
// embedded-engine handler, the admin surface and the wire-edge proxy.
package gateway

import (
	"context"
	"crypto/tls"
	"database/sql"
	"strings"

	"github.com/tessera-db/tessera/pkg/auth"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/connector/avrofile"
	"github.com/tessera-db/tessera/pkg/connector/catalog"
	"github.com/tessera-db/tessera/pkg/connector/sqldb"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/engine"
	"github.com/tessera-db/tessera/pkg/errors"
	fdwserver "github.com/tessera-db/tessera/pkg/fdw/server"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/proxy"
	"github.com/tessera-db/tessera/pkg/tlsutil"
	"github.com/tessera-db/tessera/pkg/web"
)

// Gateway is the assembled process.
type Gateway struct {
	cfg    config.Config
	logger *log.Logger

	authenticator *auth.Authenticator
	fdwHost       *fdwserver.Server
	proxySrv      *proxy.Server
	webSrv        *web.Server
	watcher       *config.Watcher

	sources []sourceState
}

type sourceState struct {
	cfg      config.DataSourceConfig
	pool     connector.ConnectionPool
	entities *connector.EntityRegistry
}

// New assembles a gateway from configuration.
func New(cfg config.Config, configPath string) (*Gateway, error) {
	level, _ := log.ParseLevel(cfg.Logging.Level)
	format := log.FormatText
	if cfg.Logging.Format == "json" {
		format = log.FormatJSON
	}
	logger := log.New(log.Config{
		DefaultLevel:  level,
		Format:        format,
		IncludeCaller: level == log.LevelDebug,
	})

	g := &Gateway{cfg: cfg, logger: logger}

	authenticator, err := auth.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	g.authenticator = authenticator

	// The internal catalog serves jobs, triggers and service users from
	// configuration.
	catalog.Configure(catalogRelations(cfg))

	if err := g.initSources(); err != nil {
		return nil, err
	}

	g.fdwHost = fdwserver.NewServer(
		cfg.Fdw.SocketPath,
		g.fdwSources(),
		g.validateFdwToken,
		logger,
	)

	engineHandler := engine.NewHandler(cfg.Engine, authenticator, logger)

	g.webSrv = web.NewServer(cfg.Web, g.catalogView, logger)

	var tlsCfg *tls.Config
	if cfg.Proxy.TLS != nil {
		tlsCfg, err = tlsutil.LoadServerConfig(cfg.Proxy.TLS.CertFile, cfg.Proxy.TLS.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeTLSError,
				"failed to load proxy TLS configuration").Err()
		}
	}

	protocols := []proxy.Protocol{
		&proxy.PostgresProtocol{TLS: tlsCfg, Handler: engineHandler, Logger: logger},
		&proxy.HTTP1Protocol{Handler: g.webSrv},
		&proxy.HTTP2Protocol{Handler: g.webSrv},
	}

	g.proxySrv = proxy.NewServer(proxy.Config{
		Addr:         cfg.Proxy.Addr,
		TLS:          tlsCfg,
		ReadTimeout:  cfg.Proxy.ReadTimeout.Std(),
		WriteTimeout: cfg.Proxy.WriteTimeout.Std(),
	}, protocols, logger)

	if configPath != "" {
		g.watcher = config.NewWatcher(configPath, logger)
		g.watcher.OnReload(func(next config.Config) {
			if err := authenticator.Swap(next.Auth); err != nil {
				logger.System().Warn("auth config reload rejected", "error", err.Error())
				return
			}
			catalog.Configure(catalogRelations(next))
			logger.System().Info("auth configuration swapped")
		})
	}

	return g, nil
}

// initSources opens connector pools and populates entity registries.
func (g *Gateway) initSources() error {
	for _, src := range g.cfg.Sources {
		conn, err := connector.Lookup(src.Type)
		if err != nil {
			return err
		}

		registry := connector.NewEntityRegistry()

		// Statically declared entities first; they take precedence over
		// discovery.
		for _, e := range src.Entities {
			resolved, err := e.Resolve()
			if err != nil {
				return err
			}
			registry.Add(resolved)
		}

		// The internal source's relations come from configuration.
		if src.Type == "internal" {
			for _, e := range catalog.Entities() {
				registry.Add(e)
			}
		}

		// Discovery for remote-SQL sources when a remote schema glob is
		// configured or no entities were declared.
		if dialect, ok := sqldb.LookupDialect(src.Type); ok &&
			(src.RemoteSchema != "" || len(registry.All()) == 0) {
			if err := g.discover(dialect, src, registry); err != nil {
				g.logger.System().Warn("entity discovery failed",
					"data_source", src.ID, "error", err.Error())
			}
		}

		// Avro sources discover one relation per configured file.
		if src.Type == "avro" {
			if paths := strings.Split(src.Options["paths"], ","); len(paths) > 0 && paths[0] != "" {
				searcher := avrofile.NewSearcher(paths, g.logger)
				entities, err := searcher.Discover(context.Background(), nil,
					connector.DiscoveryOptions{RemoteSchema: src.RemoteSchema})
				if err != nil {
					g.logger.System().Warn("avro discovery failed",
						"data_source", src.ID, "error", err.Error())
				}
				for _, e := range entities {
					if _, exists := registry.Get(e.ID); !exists {
						registry.Add(e)
					}
				}
			}
		}

		pool, err := conn.OpenPool(src.Options, registry, g.logger)
		if err != nil {
			return errors.Wrapf(err, errors.ErrCodeSourceRefused,
				"failed to open data source %q", src.ID).Err()
		}

		g.sources = append(g.sources, sourceState{
			cfg:      src,
			pool:     pool,
			entities: registry,
		})

		g.logger.System().Info("data source initialised",
			"id", src.ID, "type", src.Type,
			"entities", len(registry.All()))
	}

	return nil
}

// discover enumerates remote relations and registers the mappable ones.
func (g *Gateway) discover(dialect sqldb.Dialect, src config.DataSourceConfig, registry *connector.EntityRegistry) error {
	dsn := src.Options["dsn"]
	if dsn == "" {
		return errors.New(errors.ErrCodeConfigMissing, "no dsn configured").Err()
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	entities, err := dialect.Discover(context.Background(),
		db, connector.DiscoveryOptions{RemoteSchema: src.RemoteSchema})
	if err != nil {
		return err
	}

	for _, e := range entities {
		if _, exists := registry.Get(e.ID); exists {
			continue
		}
		registry.Add(e)
	}

	return nil
}

// fdwSources adapts source state for the FDW host.
func (g *Gateway) fdwSources() []*fdwserver.DataSource {
	out := make([]*fdwserver.DataSource, 0, len(g.sources))
	for _, s := range g.sources {
		out = append(out, &fdwserver.DataSource{
			ID:       s.cfg.ID,
			Pool:     s.pool,
			Entities: s.entities,
		})
	}
	return out
}

// validateFdwToken checks the shared data-source auth token.
func (g *Gateway) validateFdwToken(dataSourceID, token string) (string, error) {
	if g.cfg.Fdw.AuthToken == "" {
		// No token configured: the unix socket's filesystem permissions
		// are the trust boundary.
		return "", nil
	}
	if token != g.cfg.Fdw.AuthToken {
		return "", errors.New(errors.ErrCodeNotAuthenticated,
			"invalid data source auth token").Err()
	}
	return "", nil
}

// catalogView supplies the admin API with the live catalog.
func (g *Gateway) catalogView() []web.CatalogSource {
	out := make([]web.CatalogSource, 0, len(g.sources))
	for _, s := range g.sources {
		out = append(out, web.CatalogSource{
			ID:       s.cfg.ID,
			Type:     s.cfg.Type,
			Entities: s.entities.All(),
		})
	}
	return out
}

// Start brings the FDW host, admin server, config watcher and proxy up.
func (g *Gateway) Start() error {
	if err := g.fdwHost.Start(); err != nil {
		return err
	}

	g.webSrv.Start()

	if g.watcher != nil {
		if err := g.watcher.Start(); err != nil {
			g.logger.System().Warn("config watcher failed to start", "error", err.Error())
		}
	}

	if err := g.proxySrv.Start(); err != nil {
		g.fdwHost.Close()
		return err
	}

	g.logger.System().Info("gateway started",
		"proxy_addr", g.cfg.Proxy.Addr,
		"fdw_socket", g.cfg.Fdw.SocketPath,
		"sources", len(g.sources))

	return nil
}

// Stop shuts everything down in reverse order.
func (g *Gateway) Stop() error {
	var errs []error

	if g.proxySrv != nil {
		errs = append(errs, g.proxySrv.Close())
	}
	if g.watcher != nil {
		errs = append(errs, g.watcher.Close())
	}
	if g.webSrv != nil {
		errs = append(errs, g.webSrv.Close())
	}
	if g.fdwHost != nil {
		errs = append(errs, g.fdwHost.Close())
	}
	for _, s := range g.sources {
		errs = append(errs, s.pool.Close())
	}
	if g.logger != nil {
		g.logger.Close()
	}

	return errors.Join(errs...)
}

// Logger exposes the gateway logger.
func (g *Gateway) Logger() *log.Logger {
	return g.logger
}

// catalogRelations builds the internal catalog relations from config.
func catalogRelations(cfg config.Config) []catalog.Relation {
	jobs := catalog.Relation{
		Entity: connector.EntityConfig{
			ID:          "jobs",
			Description: "Configured jobs",
			Attributes: []connector.EntityAttributeConfig{
				{Name: "id", Type: data.Utf8String(), PrimaryKey: true},
				{Name: "description", Type: data.Utf8String(), Nullable: true},
				{Name: "service_user", Type: data.Utf8String()},
				{Name: "sql", Type: data.Utf8String()},
			},
		},
	}

	triggers := catalog.Relation{
		Entity: connector.EntityConfig{
			ID:          "job_triggers",
			Description: "Cron triggers of configured jobs",
			Attributes: []connector.EntityAttributeConfig{
				{Name: "job_id", Type: data.Utf8String()},
				{Name: "cron", Type: data.Utf8String()},
			},
		},
	}

	serviceUsers := catalog.Relation{
		Entity: connector.EntityConfig{
			ID:          "service_users",
			Description: "Configured service users",
			Attributes: []connector.EntityAttributeConfig{
				{Name: "id", Type: data.Utf8String(), PrimaryKey: true},
				{Name: "username", Type: data.Utf8String()},
				{Name: "description", Type: data.Utf8String(), Nullable: true},
			},
		},
	}

	for _, j := range cfg.Jobs {
		desc := data.NullValue()
		if j.Description != "" {
			desc = data.StringValue(j.Description)
		}
		jobs.Rows = append(jobs.Rows, []data.DataValue{
			data.StringValue(j.ID),
			desc,
			data.StringValue(j.ServiceUser),
			data.StringValue(j.SQL),
		})

		for _, t := range j.Triggers {
			triggers.Rows = append(triggers.Rows, []data.DataValue{
				data.StringValue(j.ID),
				data.StringValue(t.Cron),
			})
		}
	}

	for _, s := range cfg.Auth.ServiceUsers {
		desc := data.NullValue()
		if s.Description != "" {
			desc = data.StringValue(s.Description)
		}
		serviceUsers.Rows = append(serviceUsers.Rows, []data.DataValue{
			data.StringValue(s.ID),
			data.StringValue(s.Username),
			desc,
		})
	}

	return []catalog.Relation{jobs, triggers, serviceUsers}
}
