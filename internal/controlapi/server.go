// Package controlapi implements ControlAPI (C7): the HTTP surface from
// spec.md §6. Every handler is short: parse, delegate to the owning
// component, shape the response. No business logic lives here, matching
// the teacher's http/server.go split between routing/shaping and the
// logic owned by core.Drand.
//
// Routing follows the teacher's chi-based http.New: a chi.Mux wrapped by
// promhttp's counter/duration/in-flight instrumentation, itself wrapped by
// gorilla/handlers.CombinedLoggingHandler for access logging.
package controlapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/config"
	"github.com/edgefog/agentd/internal/discovery"
	"github.com/edgefog/agentd/internal/log"
	"github.com/edgefog/agentd/internal/metrics"
	"github.com/edgefog/agentd/internal/policy"
	"github.com/edgefog/agentd/internal/resilience"
	"github.com/edgefog/agentd/internal/startflow"
	"github.com/edgefog/agentd/internal/topology"
)

// LeaderLocator resolves the area's current leader IP, used by
// startAreaResilience to promote this node to Backup.
type LeaderLocator interface {
	DiscLeaderIP(ctx context.Context) (string, error)
}

// PolicyPusher pushes one follower's policy groups, used by
// PoliciesDistributionTrigger.
type PolicyPusher interface {
	Push(ctx context.Context, peerIP string, groups map[string]string) error
}

// Dependencies wires ControlAPI to the rest of the agent.
type Dependencies struct {
	DeviceID    agentstate.DeviceID
	Config      config.Config
	Policies    *policy.Bundle
	Resilience  *resilience.AreaResilience
	StartFlow   *startflow.AgentStartFlow
	Discovery   *discovery.LightDiscovery
	Topology    topology.Provider
	Table       *discovery.Table
	LeaderIP    LeaderLocator
	Distributor PolicyPusher
	Log         log.Logger
}

// Server holds the chi mux and its dependencies.
type Server struct {
	deps    Dependencies
	handler http.Handler
}

// New builds a Server and its full route table.
func New(deps Dependencies) *Server {
	s := &Server{deps: deps}

	mux := chi.NewMux()
	// StripSlashes trims one trailing slash off the incoming request path
	// before routing, so every pattern below is registered without one and
	// both /ld/topology and /ld/topology/ resolve the same handler, matching
	// the original Flask server's tolerance of either form.
	mux.Use(middleware.StripSlashes)
	mux.Get("/rm/components", s.componentStatus)
	mux.Get("/api/v2/resource-management/policies/startAgent", s.startAgent)
	mux.Get("/api/v2/resource-management/policies/startAreaResilience", s.startAreaResilience)
	mux.Get("/api/v2/resource-management/policies/roleChange/{role}", s.roleChange)
	mux.Post("/api/v2/resource-management/policies/reelection", s.reelection)
	mux.Post("/api/v2/resource-management/policies/keepalive", s.keepalive)
	mux.Get("/api/v2/resource-management/policies/leaderinfo", s.leaderInfo)
	mux.Post("/api/v2/resource-management/policies/receiveNewPolicies", s.receiveNewPolicies)
	mux.Get("/api/v2/resource-management/policies/PoliciesDistributionTrigger", s.distributePolicies)
	mux.Post("/ld/beaconReply", s.beaconReply)
	mux.Get("/ld/control/{mode}/{op}", s.discoveryControl)
	mux.Get("/ld/topology", s.topologyList)

	instrumented := promhttp.InstrumentHandlerCounter(
		metrics.HTTPCallCounter,
		promhttp.InstrumentHandlerDuration(
			metrics.HTTPLatency,
			promhttp.InstrumentHandlerInFlight(
				metrics.HTTPInFlight,
				mux)))

	s.handler = handlers.CombinedLoggingHandler(newLogWriter(deps.Log), instrumented)
	return s
}

// Handler returns the fully wrapped http.Handler to mount on a listener.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }
