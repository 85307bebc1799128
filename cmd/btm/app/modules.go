package app

import (
	"fmt"
	"net/http"
	"path"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/btm/modules/analytics"
	"github.com/grafana/btm/modules/correlation"
	"github.com/grafana/btm/modules/feed"
	"github.com/grafana/btm/modules/frontend"
	"github.com/grafana/btm/modules/ingester"
	"github.com/grafana/btm/modules/storage"
	"github.com/grafana/btm/pkg/action"
	"github.com/grafana/btm/pkg/util/log"
)

// The various modules that make up btm.
const (
	Server       string = "server"
	Store        string = "store"
	Correlation  string = "correlation"
	Actions      string = "actions"
	Ingester     string = "ingester"
	Feed         string = "feed"
	Analytics    string = "analytics"
	Frontend     string = "frontend"
	SingleBinary string = "all"
)

const metricsNamespace = "btm"

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true
	t.cfg.Server.RegisterInstrumentation = true

	DisableSignalHandling(&t.cfg.Server)

	server, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = server
	s := NewServerService(server, servicesToWaitFor)

	return s, nil
}

func (t *App) initStore() (services.Service, error) {
	store, err := storage.NewStore(t.cfg.Storage, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store %w", err)
	}
	t.store = store

	return t.store, nil
}

func (t *App) initCorrelation() (services.Service, error) {
	engine, err := correlation.New(t.cfg.Correlation, t.store, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create correlation engine %w", err)
	}
	t.correlation = engine

	return t.correlation, nil
}

// initActions compiles the configured business transactions. Issues are
// reported but never fail startup.
func (t *App) initActions() (services.Service, error) {
	collection, issues := action.NewCollection(t.cfg.Transactions)
	for _, issue := range issues {
		level.Warn(log.Logger).Log("msg", "transaction configuration issue",
			"transaction", issue.Transaction,
			"severity", issue.Severity,
			"field", issue.Field,
			"issue", issue.Message)
	}
	t.collection = collection

	return nil, nil
}

func (t *App) initIngester() (services.Service, error) {
	ingester, err := ingester.New(t.cfg.Ingester, t.collection, t.correlation, t.store, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingester: %w", err)
	}
	t.ingester = ingester

	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, "/flush")).Handler(http.HandlerFunc(t.ingester.FlushHandler))
	return t.ingester, nil
}

func (t *App) initFeed() (services.Service, error) {
	if !t.cfg.Feed.Enabled {
		return services.NewIdleService(nil, nil), nil
	}

	feed, err := feed.New(t.cfg.Feed, t.ingester, log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed: %w", err)
	}
	t.feed = feed

	return t.feed, nil
}

func (t *App) initAnalytics() (services.Service, error) {
	engine, err := analytics.New(t.cfg.Analytics, t.store, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create analytics engine: %w", err)
	}
	t.analytics = engine

	return nil, nil
}

func (t *App) initFrontend() (services.Service, error) {
	f, err := frontend.New(t.cfg.Frontend, t.analytics, t.ingester, t.collection, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create frontend: %w", err)
	}
	t.frontend = f

	router := t.Server.HTTP
	if t.cfg.HTTPAPIPrefix != "" {
		router = router.PathPrefix(t.cfg.HTTPAPIPrefix).Subrouter()
	}
	t.frontend.RegisterRoutes(router, middleware.Merge(
		t.httpAuthMiddleware,
		httpGzipMiddleware(),
	))

	return nil, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Actions, t.initActions, modules.UserInvisibleModule)
	mm.RegisterModule(Correlation, t.initCorrelation, modules.UserInvisibleModule)
	mm.RegisterModule(Analytics, t.initAnalytics, modules.UserInvisibleModule)
	mm.RegisterModule(Ingester, t.initIngester)
	mm.RegisterModule(Feed, t.initFeed)
	mm.RegisterModule(Frontend, t.initFrontend)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		Correlation:  {Store},
		Analytics:    {Store},
		Ingester:     {Server, Store, Actions, Correlation},
		Feed:         {Ingester},
		Frontend:     {Server, Analytics, Actions, Ingester},
		SingleBinary: {Ingester, Feed, Frontend},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm

	return nil
}

func addHTTPAPIPrefix(cfg *Config, apiPath string) string {
	return path.Join("/", cfg.HTTPAPIPrefix, apiPath)
}
