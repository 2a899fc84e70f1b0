package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/config"
	"github.com/edgefog/agentd/internal/controlapi"
	"github.com/edgefog/agentd/internal/discovery"
	"github.com/edgefog/agentd/internal/log"
	"github.com/edgefog/agentd/internal/metrics"
	"github.com/edgefog/agentd/internal/policy"
	"github.com/edgefog/agentd/internal/resilience"
	"github.com/edgefog/agentd/internal/rpc"
	"github.com/edgefog/agentd/internal/startflow"
	"github.com/edgefog/agentd/internal/topology"
	"github.com/edgefog/agentd/internal/triggers"
)

var (
	version   = "master"
	gitCommit = "none"
)

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to an agentd.toml bootstrap defaults file (overridden by spec.md's env vars when set).",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, the agent logs at debug level regardless of AGENTD_DEBUG_LOGS.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Bind address for the Prometheus /metrics endpoint.",
	Value: ":9100",
}

var controlPortFlag = &cli.IntFlag{
	Name:  "control-port",
	Usage: "ControlAPI listen port, overriding the bootstrap file's control_port.",
}

var discoveryPortFlag = &cli.IntFlag{
	Name:  "discovery-port",
	Usage: "LightDiscovery UDP broadcast port, overriding the bootstrap file's discovery_port.",
}

var cimiURLFlag = &cli.StringFlag{
	Name:  "cimi-url",
	Usage: "Base URL of the CIMI resource-registry collaborator.",
	Value: "http://cimi:8201/api",
}

var identificationAddrFlag = &cli.StringFlag{
	Name:  "identification-addr",
	Usage: "host:port of the identification collaborator.",
	Value: "identification:46060",
}

var categorizationAddrFlag = &cli.StringFlag{
	Name:  "categorization-addr",
	Usage: "host:port of the categorization collaborator.",
	Value: "resource-categorization:46070",
}

var cauHostFlag = &cli.StringFlag{
	Name:  "cau-host",
	Usage: "Hostname of the CAU authentication client.",
	Value: "cau-client",
}

var pidFileFlag = &cli.StringFlag{
	Name:  "pid-file",
	Usage: "Path to write the running daemon's PID to, read back by the stop command.",
	Value: "/var/run/agentd.pid",
}

func toArray(flags ...cli.Flag) []cli.Flag { return flags }

// identifierAdapter satisfies startflow.Identifier: triggers.Identification
// returns its own IdentityResult type rather than startflow.DeviceIdentity,
// since internal/triggers has no dependency on internal/startflow.
type identifierAdapter struct {
	id *triggers.Identification
}

func (a identifierAdapter) Identify(ctx context.Context) (startflow.DeviceIdentity, error) {
	res, err := a.id.Identify(ctx)
	if err != nil {
		return startflow.DeviceIdentity{}, err
	}
	return startflow.DeviceIdentity{DeviceID: res.DeviceID, IDKey: res.IDKey}, nil
}

// CLI builds and runs the agentd urfave/cli application, mirroring the
// teacher's cmd/drand-cli split between a thin main() and this command
// table.
func CLI(args []string) error {
	app := cli.NewApp()
	app.Name = "agentd"
	app.Usage = "fog/edge cluster control-plane agent"
	app.Version = version
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("agentd %s (commit %s)\n", version, gitCommit)
	}
	app.Flags = toArray(verboseFlag, configFlag)
	app.Commands = []*cli.Command{
		{
			Name:  "start",
			Usage: "Start the agentd daemon and block until signalled.",
			Flags: toArray(metricsFlag, controlPortFlag, discoveryPortFlag,
				cimiURLFlag, identificationAddrFlag, categorizationAddrFlag, cauHostFlag, pidFileFlag),
			Action: startCmd,
		},
		{
			Name:  "stop",
			Usage: "Stop a running agentd daemon by PID file.",
			Flags: toArray(pidFileFlag),
			Action: func(c *cli.Context) error {
				return stopCmd(c.String(pidFileFlag.Name))
			},
		},
	}
	return app.Run(args)
}

func stopCmd(pidFile string) error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("agentd: reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("agentd: malformed pid file %s: %w", pidFile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("agentd: finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("agentd: signalling process %d: %w", pid, err)
	}
	fmt.Println("agentd: stop signal sent. Bye.")
	return nil
}

// outboundIP finds the IP this node would use to reach the rest of the
// area, without actually sending anything (the classic UDP-dial trick).
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func startCmd(c *cli.Context) error {
	env, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("agentd: %w", err)
	}

	var fileDefaults config.FileDefaults
	if path := c.String(configFlag.Name); path != "" {
		fileDefaults, err = config.FromFile(path)
		if err != nil {
			return fmt.Errorf("agentd: reading %s: %w", path, err)
		}
	}
	cfg, ports := config.Merge(env, fileDefaults)
	if p := c.Int(controlPortFlag.Name); p != 0 {
		ports.ControlPort = p
	}
	if p := c.Int(discoveryPortFlag.Name); p != 0 {
		ports.DiscoveryPort = p
	}

	level := log.DefaultLevel
	if c.Bool(verboseFlag.Name) || cfg.Debug {
		level = log.DebugLevel
	}
	logger := log.New(os.Stdout, level, true).Named("agentd").With("deviceID", cfg.DeviceID)

	if err := writePIDFile(c.String(pidFileFlag.Name)); err != nil {
		logger.Warnw("could not write pid file", "err", err)
	} else {
		defer os.Remove(c.String(pidFileFlag.Name))
	}

	selfIP := outboundIP()
	deviceID := agentstate.DeviceID(cfg.DeviceID)

	policies := policy.NewBundle()
	table := discovery.NewTable()

	var topo topology.Provider
	if len(cfg.Topology) > 0 {
		topo = topology.NewEnvTopology(cfg.Topology)
	} else {
		topo = topology.NewDiscoveryTopology(table)
	}

	rpcClient := rpc.New()

	broadcastAddr, err := discovery.ResolveBroadcastAddr(cfg)
	if err != nil {
		logger.Warnw("broadcast address unresolved; beacon mode will fail to start if this node becomes leader", "err", err)
	}

	clock := clockwork.NewRealClock()
	ld := discovery.New(discovery.Dependencies{
		DeviceID:      cfg.DeviceID,
		SelfIP:        selfIP,
		BroadcastAddr: broadcastAddr,
		Port:          ports.DiscoveryPort,
		PoliciesPort:  ports.ControlPort,
		Clock:         clock,
		Log:           logger.Named("discovery"),
		RPC:           rpcClient,
	})
	discoveryScan := triggers.NewDiscoveryScan(ld)
	ld.SetOnBeacon(discoveryScan.OnBeacon)

	cimi := triggers.NewCIMI(rpcClient, c.String(cimiURLFlag.Name))
	identification := triggers.NewIdentification(rpcClient, "http://"+c.String(identificationAddrFlag.Name))
	categorization := triggers.NewCategorization(rpcClient, "http://"+c.String(categorizationAddrFlag.Name))
	cau := triggers.NewCAU(c.String(cauHostFlag.Name), config.CAUPort)
	selfBaseURL := fmt.Sprintf("http://127.0.0.1:%d", ports.ControlPort)
	self := triggers.NewSelf(rpcClient, selfBaseURL)
	peers := triggers.NewPeerClient(rpcClient, ports.ControlPort, selfBaseURL, cimi)
	policyPusher := triggers.NewPolicyPusher(rpcClient, ports.ControlPort)

	// res.Dependencies.StartupComplete and ImCapable close over sf, which
	// is only constructed after res: the closure reads sf.Running() and
	// the resource probe once called, not at wiring time, so the
	// forward reference is safe.
	var sf *startflow.AgentStartFlow
	res := resilience.New(resilience.Dependencies{
		DeviceID: deviceID,
		SelfIP:   selfIP,
		Policies: policies,
		Topology: topo,
		Triggers: peers,
		Clock:    clock,
		Log:      logger.Named("resilience"),
		ImCapable: func() bool {
			info := discovery.Categorize()
			minRAM := policy.AsFloat64(policies.Get(policy.GroupLMR, "RAM_MIN", 2000), 2000)
			minDisk := policy.AsFloat64(policies.Get(policy.GroupLDR, "DISK_MIN", 2000), 2000)
			return info.MemAvailGiB*1024 >= minRAM && info.StgAvailGiB*1024 >= minDisk
		},
		StartupComplete: func() bool { return sf != nil && sf.Running() },
	})

	sf = startflow.New(startflow.Dependencies{
		Config:         cfg,
		CIMI:           cimi,
		Identification: identifierAdapter{id: identification},
		Discovery:      discoveryScan,
		CAU:            cau,
		Categorization: categorization,
		Self:           self,
		Resilience:     res,
		Clock:          clock,
		Log:            logger.Named("startflow"),
	})

	metricsLn := metrics.Start(c.String(metricsFlag.Name), logger.Named("metrics"))
	if metricsLn != nil {
		defer metricsLn.Close()
	}
	go pollRoleMetric(res, topo, clock)

	retryThreshold := int(policy.AsFloat64(policies.Get(policy.GroupLPP, "MAX_RETRY_ATTEMPTS", 5), 5))
	failureMonitor := metrics.NewThresholdMonitor(logger.Named("threshold-monitor"), retryThreshold, time.Minute, clock)
	metrics.SetFailureMonitor(failureMonitor)
	failureMonitor.Start()
	defer failureMonitor.Stop()

	srv := controlapi.New(controlapi.Dependencies{
		DeviceID:    deviceID,
		Config:      cfg,
		Policies:    policies,
		Resilience:  res,
		StartFlow:   sf,
		Discovery:   ld,
		Topology:    topo,
		Table:       table,
		LeaderIP:    cimi,
		Distributor: policyPusher,
		Log:         logger.Named("controlapi"),
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", ports.ControlPort),
		Handler: srv.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("controlapi listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if !sf.Start(cfg.IsLeader) {
		logger.Warnw("start flow did not start; already running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-errCh:
		logger.Errorw("controlapi server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("controlapi shutdown", "err", err)
	}
	ld.StopBeaconing()
	ld.StopScanning()
	if res.Role() != agentstate.RoleAgent {
		if err := res.DemoteToAgent(); err != nil {
			logger.Warnw("demote on shutdown", "err", err)
		}
	}
	logger.Infow("agentd stopped")
	return nil
}

// pollRoleMetric mirrors the current role onto the metrics.Role gauge,
// since AreaResilience has no role-change subscription hook to push
// through instead.
func pollRoleMetric(res *resilience.AreaResilience, topo topology.Provider, clock clockwork.Clock) {
	for {
		metrics.SetRole(res.Role())
		metrics.BackupCount.Set(float64(res.BackupCount()))
		metrics.BackupPriority.Set(float64(res.BackupPriority()))
		metrics.TopologySize.Set(float64(len(topo.Snapshot())))
		clock.Sleep(time.Second)
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
