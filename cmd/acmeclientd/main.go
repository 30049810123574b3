package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/account"
	"github.com/shibukawa/acmeclient/internal/config"
	"github.com/shibukawa/acmeclient/internal/engine"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/orchestrator"
	"github.com/shibukawa/acmeclient/internal/platform"
	"github.com/shibukawa/acmeclient/internal/scheduler"
	"github.com/shibukawa/acmeclient/internal/service"
	"github.com/shibukawa/acmeclient/internal/solver"
	"github.com/shibukawa/acmeclient/internal/storage"
	"github.com/shibukawa/acmeclient/internal/task"
)

// CLI is the top-level command tree for the daemon.
type CLI struct {
	ConfigFile string `help:"Path to configuration file" default:"" env:"ACMECLIENT_CONFIG" group:"config"`
	LogLevel   string `help:"Log level (debug, info, error)" default:"info" enum:"debug,info,error" env:"ACMECLIENT_LOG_LEVEL" group:"logging"`

	Serve    ServeCmd    `cmd:"" help:"Run the daemon in the foreground"`
	Register RegisterCmd `cmd:"" help:"Register the ACME account with the CA"`
	Rollover RolloverCmd `cmd:"" help:"Rotate the account key"`
	Order    OrderCmd    `cmd:"" help:"Submit a certificate order"`
	Status   StatusCmd   `cmd:"" help:"Poll a task's status"`
	Cancel   CancelCmd   `cmd:"" help:"Cancel a pending or running task"`
	Revoke   RevokeCmd   `cmd:"" help:"Revoke an issued certificate"`
	Service  ServiceCmd  `cmd:"" help:"Manage the daemon as an OS service"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// ServeCmd runs the daemon's management API and renewal scheduler in the
// foreground; this is also what the installed OS service execs into.
type ServeCmd struct{}

// RegisterCmd creates the ACME account, generating an account key first if
// none is persisted yet.
type RegisterCmd struct {
	Contact []string `help:"Contact URI (e.g. mailto:admin@example.com), repeatable"`
	AgreeTOS bool    `help:"Agree to the CA's terms of service" default:"false"`
}

// RolloverCmd rotates the account's signing key.
type RolloverCmd struct{}

// OrderCmd submits a provisioning task for one or more identifiers against
// a running daemon's management API.
type OrderCmd struct {
	Domain []string `arg:"" help:"Domain name(s) to include in the order" required:""`
}

// StatusCmd polls a task by id against a running daemon.
type StatusCmd struct {
	TaskID string `arg:"" help:"Task id returned by order/revoke"`
}

// CancelCmd cancels a task by id against a running daemon.
type CancelCmd struct {
	TaskID string `arg:"" help:"Task id to cancel"`
}

// RevokeCmd submits a revocation task against a running daemon.
type RevokeCmd struct {
	CertID string `arg:"" help:"Fingerprint id of the certificate to revoke"`
	Reason int    `help:"CRL revocation reason code" default:"0"`
}

// ServiceCmd groups OS-service lifecycle subcommands.
type ServiceCmd struct {
	Install   ServiceInstallCmd   `cmd:"" help:"Install the daemon as an OS service"`
	Uninstall ServiceUninstallCmd `cmd:"" help:"Uninstall the OS service"`
	Start     ServiceStartCmd     `cmd:"" help:"Start the OS service"`
	Stop      ServiceStopCmd      `cmd:"" help:"Stop the OS service"`
	Restart   ServiceRestartCmd   `cmd:"" help:"Restart the OS service"`
	Status    ServiceStatusCmd    `cmd:"" help:"Show OS service status"`
}

type ServiceInstallCmd struct {
	ServiceConfigPath string `help:"Path to configuration file for the service" default:""`
}
type ServiceUninstallCmd struct{}
type ServiceStartCmd struct{}
type ServiceStopCmd struct{}
type ServiceRestartCmd struct{}
type ServiceStatusCmd struct{}

// VersionCmd prints build version information.
type VersionCmd struct{}

var version = "dev"

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("acmeclientd"),
		kong.Description("ACME v2 certificate acquisition and renewal daemon"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	log := logger.New()
	switch strings.ToLower(cli.LogLevel) {
	case "debug":
		log.SetLevel(logger.DebugLevel)
	case "error":
		log.SetLevel(logger.ErrorLevel)
	}

	var cfg *config.Config
	var err error
	if cli.ConfigFile != "" {
		cfg, err = config.LoadFrom(cli.ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal("failed to load configuration", "error", err)
	}

	switch ctx.Command() {
	case "serve":
		err = runServe(cfg, log)
	case "register":
		err = runRegister(cfg, log, cli.Register.Contact, cli.Register.AgreeTOS)
	case "rollover":
		err = runRollover(cfg, log)
	case "order <domain>":
		err = runOrder(cfg, cli.Order.Domain)
	case "status <task-id>":
		err = runStatus(cfg, cli.Status.TaskID)
	case "cancel <task-id>":
		err = runCancel(cfg, cli.Cancel.TaskID)
	case "revoke <cert-id>":
		err = runRevoke(cfg, cli.Revoke.CertID, cli.Revoke.Reason)
	case "service install":
		configPath := cli.Service.Install.ServiceConfigPath
		if configPath == "" {
			configPath = cfg.GetConfigFilePath()
		}
		err = runServiceInstall(cfg, log, configPath)
	case "service uninstall":
		err = runServiceUninstall(cfg, log)
	case "service start":
		err = runServiceStart(cfg, log)
	case "service stop":
		err = runServiceStop(cfg, log)
	case "service restart":
		err = runServiceRestart(cfg, log)
	case "service status":
		err = runServiceStatus(cfg, log)
	case "version":
		fmt.Println("acmeclientd", version)
	default:
		ctx.FatalIfErrorf(fmt.Errorf("unknown command: %s", ctx.Command()))
	}

	if err != nil {
		log.Fatal("command failed", "command", ctx.Command(), "error", err)
	}
}

// buildEngine wires every core component from cfg, loading or generating the
// account key and opening the storage backend. Every subcommand that needs
// the engine goes through it; the installed OS service runs `serve`.
func buildEngine(cfg *config.Config, log *logger.Logger) (*engine.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStore(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, err
	}

	plat := platform.New()
	log.Info("starting daemon", "platform", plat.GetPlatformString(), "arch", plat.GetArchitecture())

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	dirCache := acme.NewDirectoryCache(cfg.DirectoryURL, httpClient, log)
	noncePool := acme.NewNoncePool(dirCache, httpClient, cfg.NonceMinPoolSize, log)
	client := acme.NewClient(httpClient, dirCache, noncePool, log)

	accountKey, err := loadOrGenerateAccountKey(store, cfg, log)
	if err != nil {
		return nil, err
	}
	acctMgr := account.NewManager(client, accountKey, log)
	if url, err := store.LoadAccountURL(context.Background()); err == nil && url != "" {
		acctMgr.SetURL(url)
	}

	registry := solver.NewRegistry()
	if cfg.HTTP01BindAddress != "" {
		registry.Register(solver.NewHTTP01(cfg.HTTP01BindAddress, log))
	}
	if cfg.TLSALPN01BindAddress != "" {
		registry.Register(solver.NewTLSALPN01(cfg.TLSALPN01BindAddress, log))
	}
	// DNS-01 requires a concrete DNSProvider, which is a caller-supplied
	// out-of-scope collaborator (spec.md §1's Non-goal); none is wired by
	// default, so dns-01 stays unavailable until an operator plugs one in.

	orchCfg := orchestrator.Config{
		AuthzPollInitial: cfg.AuthorizationPollInitial,
		AuthzPollFactor:  1.5,
		AuthzPollCap:     cfg.AuthorizationPollMaxDelay,
		AuthzPollTimeout: cfg.AuthorizationTimeout,
		OrderPollTimeout: cfg.OrderTimeout,
	}
	orch := orchestrator.New(client, acctMgr, registry, orchCfg, log)

	tracker := task.NewTracker(cfg.TaskWorkerCount, cfg.TaskQueueThreshold, time.Hour, log)

	schedCfg := scheduler.Config{
		CheckInterval:    cfg.RenewalCheckInterval,
		RenewalThreshold: cfg.RenewalThreshold,
		BackoffBase:      cfg.RenewalBackoffBase,
		BackoffCap:       cfg.RenewalBackoffCap,
		MaxRetries:       cfg.RenewalMaxRetries,
	}

	eng := engine.New(client, acctMgr, orch, tracker, nil, store, registry, log)
	sched := scheduler.New(store, tracker, eng, schedCfg, log)
	eng.Scheduler = sched

	return eng, nil
}

func loadOrGenerateAccountKey(store storage.Store, cfg *config.Config, log *logger.Logger) (*acme.AccountKey, error) {
	ctx := context.Background()
	if pemBytes, err := store.LoadAccountKey(ctx); err == nil {
		return acme.ParseAccountKeyPEM(pemBytes)
	}

	log.Info("no persisted account key found, generating one", "algorithm", cfg.AccountKeyAlg)
	key, err := acme.GenerateAccountKey(cfg.AccountKeyAlg)
	if err != nil {
		return nil, err
	}
	pemBytes, err := key.MarshalPKCS8PEM()
	if err != nil {
		return nil, err
	}
	if err := store.SaveAccountKey(ctx, pemBytes); err != nil {
		return nil, err
	}
	return key, nil
}

func runServe(cfg *config.Config, log *logger.Logger) error {
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	svc, err := service.New(cfg, eng, log)
	if err != nil {
		return err
	}
	return svc.Run()
}

func runRegister(cfg *config.Config, log *logger.Logger, contacts []string, agreeTOS bool) error {
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}

	var eab *account.ExternalBinding
	if cfg.EABKeyID != "" {
		keyBytes, err := base64.RawURLEncoding.DecodeString(cfg.EABKey)
		if err != nil {
			return fmt.Errorf("failed to decode eab_key: %w", err)
		}
		eab = &account.ExternalBinding{KeyID: cfg.EABKeyID, Key: keyBytes}
	}

	acc, err := eng.Account.Register(context.Background(), contacts, agreeTOS, eab)
	if err != nil {
		return err
	}
	if err := eng.Store.SaveAccountURL(context.Background(), eng.Account.URL()); err != nil {
		log.Warn("failed to persist account url", "error", err)
	}
	fmt.Printf("account registered: %s (status %s)\n", eng.Account.URL(), acc.Status)
	return nil
}

func runRollover(cfg *config.Config, log *logger.Logger) error {
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	newKey, err := acme.GenerateAccountKey(cfg.AccountKeyAlg)
	if err != nil {
		return err
	}
	if err := eng.Account.Rollover(context.Background(), newKey); err != nil {
		return err
	}
	pemBytes, err := newKey.MarshalPKCS8PEM()
	if err != nil {
		return err
	}
	if err := eng.Store.SaveAccountKey(context.Background(), pemBytes); err != nil {
		return err
	}
	fmt.Println("account key rollover complete")
	return nil
}

// runOrder, runStatus, runCancel, and runRevoke talk to a running daemon's
// management API rather than spinning up their own Engine, since order
// submission must flow through the one process holding the Task Tracker.
func runOrder(cfg *config.Config, domains []string) error {
	return managementPost(cfg, "/orders", map[string]any{"domains": domains})
}

func runStatus(cfg *config.Config, taskID string) error {
	return managementGet(cfg, fmt.Sprintf("/orders/%s", taskID))
}

func runCancel(cfg *config.Config, taskID string) error {
	return managementPost(cfg, fmt.Sprintf("/orders/%s/cancel", taskID), nil)
}

func runRevoke(cfg *config.Config, certID string, reason int) error {
	return managementPost(cfg, fmt.Sprintf("/certificates/%s/revoke", certID), map[string]any{"reason": reason})
}

func runServiceInstall(cfg *config.Config, log *logger.Logger, configPath string) error {
	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return err
	}
	if svc.IsInstalled() {
		fmt.Printf("service %q is already installed\n", cfg.ServiceName)
		return nil
	}
	return svc.Install(configPath)
}

func runServiceUninstall(cfg *config.Config, log *logger.Logger) error {
	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return err
	}
	return svc.Uninstall()
}

func runServiceStart(cfg *config.Config, log *logger.Logger) error {
	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return err
	}
	return svc.StartService()
}

func runServiceStop(cfg *config.Config, log *logger.Logger) error {
	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return err
	}
	return svc.StopService()
}

func runServiceRestart(cfg *config.Config, log *logger.Logger) error {
	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return err
	}
	return svc.Restart()
}

func runServiceStatus(cfg *config.Config, log *logger.Logger) error {
	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return err
	}
	status, err := svc.Status()
	if err != nil {
		fmt.Printf("service %q is not installed\n", cfg.ServiceName)
		return nil
	}
	fmt.Printf("service %q: installed=%t running=%t\n", status.Name, status.IsInstalled, status.IsRunning)
	return nil
}

func managementURL(cfg *config.Config, path string) string {
	host := cfg.BindAddress
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d%s", host, cfg.HTTPPort, path)
}

func managementGet(cfg *config.Config, path string) error {
	return managementRequest(cfg, http.MethodGet, path, nil)
}

func managementPost(cfg *config.Config, path string, body map[string]any) error {
	return managementRequest(cfg, http.MethodPost, path, body)
}

func managementRequest(cfg *config.Config, method, path string, body map[string]any) error {
	req, err := newManagementRequest(method, managementURL(cfg, path), body)
	if err != nil {
		return err
	}
	if cfg.AuthKey != "" {
		req.Header.Set("X-API-Key", cfg.AuthKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach management API at %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	fmt.Printf("%s\n", buf[:n])
	return nil
}

func newManagementRequest(method, url string, body map[string]any) (*http.Request, error) {
	if body == nil {
		return http.NewRequest(method, url, nil)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, url, strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
