// Command exazk is the anycast health-signalling agent: it watches local
// health, a ZooKeeper-coordinated peer set, and a maintenance marker, and
// emits BGP announce/withdraw decisions on stdout for an upstream BGP
// speaker to consume.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/shtouff-go/exazk/internal/bgpline"
	"github.com/shtouff-go/exazk/internal/config"
	"github.com/shtouff-go/exazk/internal/coordinator"
	"github.com/shtouff-go/exazk/internal/logging"
	"github.com/shtouff-go/exazk/internal/maintenance"
	"github.com/shtouff-go/exazk/internal/peers"
	"github.com/shtouff-go/exazk/internal/probe"
	"github.com/shtouff-go/exazk/internal/registrar"
	"github.com/shtouff-go/exazk/internal/statusapi"
	"github.com/shtouff-go/exazk/internal/zksession"
)

var version = "dev"

// zkConnectTimeout bounds the initial session establishment at startup;
// exceeding it is an unrecoverable configuration/connectivity error.
const zkConnectTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		zkHosts           = flag.StringArray("zk-host", nil, "ZooKeeper ensemble host (repeatable)")
		zkPathService     = flag.String("zk-path-service", "", "parent ZK path for ephemeral registrations")
		zkPathMaintenance = flag.String("zk-path-maintenance", "", "ZK maintenance marker path")
		localCheck        = flag.String("local-check", "", "shell command for the local health probe")
		name              = flag.String("name", "", "service name, used in the log prefix")
		authIP            = flag.String("auth-ip", "", "authoritative IP this instance is primary for")
		nonAuthIPs        = flag.StringArray("non-auth-ip", nil, "backup IP this instance can take over (repeatable)")
		configFile        = flag.StringP("config", "f", "", "YAML config file; if set, its values win over the flags above")

		debug          = flag.Bool("debug", false, "enable debug logging")
		silent         = flag.Bool("silent", false, "log only errors")
		noSyslog       = flag.Bool("no-syslog", false, "log to stderr instead of syslog")
		syslogFacility = flag.String("syslog-facility", "daemon", "syslog facility to log under")
		statusAddr     = flag.String("status-addr", "", "if set, serve a read-only status API on this address")

		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("exazk %s\n", version)
		return 0
	}

	cfg, err := resolveConfig(*configFile, *zkHosts, *zkPathService, *zkPathMaintenance,
		*localCheck, *name, *authIP, *nonAuthIPs, *debug, *silent, *noSyslog, *syslogFacility, *statusAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exazk: %v\n", err)
		return 1
	}

	log, err := logging.New(logging.Options{
		Debug:          cfg.Debug,
		Silent:         cfg.Silent,
		NoSyslog:       cfg.NoSyslog,
		SyslogFacility: cfg.SyslogFacility,
		Name:           cfg.Name,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "exazk: initializing logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	log.Info("exazk starting",
		zap.String("version", version),
		zap.Strings("zk_hosts", cfg.ZKHosts),
		zap.String("auth_ip", cfg.AuthIP),
	)

	session, err := zksession.Dial(log, cfg.ZKHosts, zkConnectTimeout)
	if err != nil {
		log.Error("failed to establish initial zookeeper session", zap.Error(err))
		return 2
	}

	if err := zksession.EnsurePath(session.Conn(), cfg.ZKPathService); err != nil {
		log.Error("failed to ensure service path exists", zap.Error(err))
		return 2
	}

	reg := registrar.New(log, session.Conn(), cfg.ZKPathService)
	watcher := peers.New(log, session.Conn(), cfg.ZKPathService)
	readPeers := func() (map[string]struct{}, error) {
		return peers.ReadChildren(session.Conn(), cfg.ZKPathService)
	}
	probeChecker := probe.New(log, cfg.LocalCheck)
	maintChecker := maintenance.New(session.Conn(), cfg.ZKPathMaintenance)
	emitter := bgpline.New(log, os.Stdout)

	coordCfg := coordinator.Config{
		ServicePath: cfg.ZKPathService,
		AuthIP:      cfg.AuthAddr(),
		NonAuthIPs:  cfg.NonAuthAddrs(),
	}
	coord := coordinator.New(log, coordCfg, session, reg, watcher, readPeers, probeChecker, maintChecker, emitter)

	var statusSrv *statusapi.Server
	if cfg.StatusAddr != "" {
		bcast := statusapi.NewBroadcaster()
		coord.SetPublisher(bcast.Publish)
		statusSrv = statusapi.NewServer(log, cfg.StatusAddr, bcast)
		if err := statusSrv.Start(); err != nil {
			log.Error("failed to start status API, continuing without it", zap.Error(err))
			statusSrv = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, stopping", zap.String("signal", sig.String()))
		coord.RequestStop()
	}()

	coord.Run(ctx)

	if statusSrv != nil {
		statusSrv.Stop()
	}

	log.Info("exazk stopped")
	return 0
}

// resolveConfig builds the final Config from either the YAML file (if
// given, it wins entirely, per §6) or the individual flags.
func resolveConfig(
	configFile string,
	zkHosts []string, zkPathService, zkPathMaintenance, localCheck, name, authIP string, nonAuthIPs []string,
	debug, silent, noSyslog bool, syslogFacility, statusAddr string,
) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}

	cfg := config.DefaultConfig()
	cfg.ZKHosts = zkHosts
	if zkPathService != "" {
		cfg.ZKPathService = zkPathService
	}
	if zkPathMaintenance != "" {
		cfg.ZKPathMaintenance = zkPathMaintenance
	}
	cfg.LocalCheck = localCheck
	cfg.Name = name
	cfg.AuthIP = authIP
	cfg.NonAuthIPs = nonAuthIPs
	cfg.Debug = debug
	cfg.Silent = silent
	cfg.NoSyslog = noSyslog
	cfg.SyslogFacility = syslogFacility
	cfg.StatusAddr = statusAddr

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
