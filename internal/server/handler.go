package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nmcalba/clientdesk/internal/audit"
	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/internal/routing"
	"github.com/nmcalba/clientdesk/pkg/authz"
)

type HandlerOptions struct {
	Identity   identityResolver
	Principals principalStore
	Tenants    TenantStore
	Clients    ClientStore
	Projects   ProjectStore
	Invoices   InvoiceStore
	AuditLog   AuditLogStore
	Recorder   *audit.Recorder
	Authorizer *authz.Authorizer
	Logger     *zerolog.Logger
}

type apiDeps struct {
	clients    ClientStore
	projects   ProjectStore
	invoices   InvoiceStore
	auditLog   AuditLogStore
	recorder   *audit.Recorder
	authorizer *authz.Authorizer
	log        zerolog.Logger
}

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	// The policy table is deployment-time configuration; refuse to serve a
	// table that breaks tier monotonicity.
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}
	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, routing.EntrypointServer)
	if err != nil {
		return nil, err
	}

	log := newServerLogger()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	var pool *pgxpool.Pool
	needPool := opts.Clients == nil || opts.Projects == nil || opts.Invoices == nil ||
		opts.Tenants == nil || opts.Principals == nil || opts.AuditLog == nil || opts.Recorder == nil
	if needPool {
		p, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			return nil, err
		}
		pool = p
	}

	tenants := opts.Tenants
	if tenants == nil {
		tenants = newTenantPGStore(pool)
	}
	principals := opts.Principals
	if principals == nil {
		principals = newPrincipalPGStore(pool)
	}
	clients := opts.Clients
	if clients == nil {
		clients = newClientPGStore(pool)
	}
	projects := opts.Projects
	if projects == nil {
		projects = newProjectPGStore(pool)
	}
	invoices := opts.Invoices
	if invoices == nil {
		invoices = newInvoicePGStore(pool)
	}
	auditLog := opts.AuditLog
	if auditLog == nil {
		auditLog = newAuditLogPGStore(pool)
	}

	recorder := opts.Recorder
	if recorder == nil {
		alerts, err := audit.NewAlertSet(defaultAlertRules)
		if err != nil {
			return nil, err
		}
		recorder = audit.NewRecorder(audit.NewPGSink(pool), log, alerts)
	}

	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer, err = loadAuthorizer()
		if err != nil {
			return nil, err
		}
	}

	identity := opts.Identity
	if identity == nil {
		identity, err = newJWTIdentityResolverFromEnv(principals)
		if err != nil {
			return nil, err
		}
	}

	deps := &apiDeps{
		clients:    clients,
		projects:   projects,
		invoices:   invoices,
		auditLog:   auditLog,
		recorder:   recorder,
		authorizer: authorizer,
		log:        log,
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		router.Handle(routing.RouteClassPublicAPI, method, "/api/v1/clients", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleClientsAPI(w, r, deps)
		}))
		router.Handle(routing.RouteClassPublicAPI, method, "/api/v1/projects", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleProjectsAPI(w, r, deps)
		}))
		router.Handle(routing.RouteClassPublicAPI, method, "/api/v1/invoices", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleInvoicesAPI(w, r, deps)
		}))
	}
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		router.Handle(routing.RouteClassPublicAPI, method, "/api/v1/clients/{client_id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleClientItemAPI(w, r, deps)
		}))
	}
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/plan", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePlanAPI(w, r, deps)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/audit", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAuditAPI(w, r, deps)
	}))

	return withAuth(identity, tenants, classifier, router), nil
}

var defaultAlertRules = []audit.AlertRule{
	{Name: "tenant-lifecycle-change", Expr: `entry.verb.startsWith("tenant.")`},
	{Name: "client-delete", Expr: `entry.verb == "client.delete"`},
}

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := findConfigFile("config/access/model.conf")
		if err != nil {
			return nil, err
		}
		modelPath = p
	}
	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := findConfigFile("config/access/policy.csv")
		if err != nil {
			return nil, err
		}
		policyPath = p
	}
	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}
	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAllowlistPath() (string, error) {
	return findConfigFile("config/allowlist.yaml")
}

func findConfigFile(rel string) (string, error) {
	path := rel
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: config file not found: " + rel)
}
