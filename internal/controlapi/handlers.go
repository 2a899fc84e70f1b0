package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/hashicorp/go-multierror"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/discovery"
	"github.com/edgefog/agentd/internal/metrics"
	"github.com/edgefog/agentd/internal/policy"
	"github.com/edgefog/agentd/internal/topology"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP honours X-Real-IP (spec.md §6) before falling back to the TCP
// peer address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}

// componentStatus implements GET /rm/components/.
func (s *Server) componentStatus(w http.ResponseWriter, r *http.Request) {
	type status struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	out := make(map[string]status, 3)
	for name, healthy := range map[string]func() (bool, string){
		"arearesilience": s.deps.Resilience.Healthy,
		"agentstartflow": s.deps.StartFlow.Healthy,
		"lightdiscovery": s.deps.Discovery.Healthy,
	} {
		ok, desc := healthy()
		out[name] = status{OK: ok, Description: desc}
	}
	writeJSON(w, http.StatusOK, out)
}

// startAgent implements GET /api/v2/resource-management/policies/startAgent/.
func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.StartFlow.Start(s.deps.Config.IsLeader) {
		writeJSON(w, http.StatusOK, map[string]bool{"started": true})
		return
	}
	writeJSON(w, http.StatusForbidden, map[string]bool{"started": false})
}

// startAreaResilience implements
// GET /api/v2/resource-management/policies/startAreaResilience/: the
// self-trigger AgentStartFlow's step 8 fires once the pipeline is far
// enough along to hand control to AreaResilience.
func (s *Server) startAreaResilience(w http.ResponseWriter, r *http.Request) {
	if s.deps.Config.IsLeader {
		if err := s.deps.Resilience.PromoteToLeader(); err != nil {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"started": true})
		return
	}

	leaderIP, err := s.deps.LeaderIP.DiscLeaderIP(r.Context())
	if err != nil || leaderIP == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "no leader known"})
		return
	}
	if err := s.deps.Resilience.PromoteToBackup(leaderIP); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

// roleChange implements GET /api/v2/resource-management/policies/roleChange/{role}.
func (s *Server) roleChange(w http.ResponseWriter, r *http.Request) {
	role, ok := agentstate.ParseRole(chi.URLParam(r, "role"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var err error
	switch role {
	case agentstate.RoleBackup:
		err = s.deps.Resilience.PromoteToBackup(clientIP(r))
	case agentstate.RoleLeader:
		err = s.deps.Resilience.PromoteToLeader()
	case agentstate.RoleAgent:
		err = s.deps.Resilience.DemoteToAgent()
	}

	status := http.StatusOK
	if err != nil {
		var stateErr *agentstate.StateError
		if errors.As(err, &stateErr) {
			status = http.StatusForbidden
		} else {
			status = http.StatusNotFound
		}
	}
	imLeader, imBackup := s.deps.Resilience.Status()
	writeJSON(w, status, map[string]bool{"imLeader": imLeader, "imBackup": imBackup})
}

// reelection implements POST /api/v2/resource-management/policies/reelection/.
func (s *Server) reelection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"deviceID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	err := s.deps.Resilience.Reelect(r.Context(), agentstate.DeviceID(body.DeviceID))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case isStateError(err):
		w.WriteHeader(http.StatusUnauthorized)
	case isNotFoundError(err):
		w.WriteHeader(http.StatusNotFound)
	default:
		metrics.ObserveTriggerFailure("peer", "reelection")
		w.WriteHeader(http.StatusForbidden)
	}
}

// keepalive implements POST /api/v2/resource-management/policies/keepalive/.
func (s *Server) keepalive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"deviceID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"deviceID": s.deps.DeviceID, "backupPriority": agentstate.PriorityOnFailure})
		return
	}
	status, priority := s.deps.Resilience.HandleKeepalive(agentstate.DeviceID(body.DeviceID))
	writeJSON(w, status, map[string]interface{}{"deviceID": s.deps.DeviceID, "backupPriority": priority})
}

// leaderInfo implements GET /api/v2/resource-management/policies/leaderinfo/.
func (s *Server) leaderInfo(w http.ResponseWriter, r *http.Request) {
	imLeader, imBackup := s.deps.Resilience.Status()
	writeJSON(w, http.StatusOK, map[string]bool{"imLeader": imLeader, "imBackup": imBackup})
}

// receiveNewPolicies implements
// POST /api/v2/resource-management/policies/receiveNewPolicies/: the body
// maps each group name to its JSON-encoded value, spec.md §6.
func (s *Server) receiveNewPolicies(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var errs *multierror.Error
	for _, g := range policy.Groups() {
		raw, present := body[string(g)]
		if !present {
			continue
		}
		if err := s.deps.Policies.SetGroupJSON(g, []byte(raw)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		s.deps.Log.Warnw("controlapi: receiveNewPolicies rejected one or more groups", "err", errs)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// distributePolicies implements
// GET /api/v2/resource-management/policies/PoliciesDistributionTrigger/:
// the leader pushes its current policy bundle to every known peer.
func (s *Server) distributePolicies(w http.ResponseWriter, r *http.Request) {
	groups := make(map[string]string, len(policy.Groups()))
	for _, g := range policy.Groups() {
		raw, err := s.deps.Policies.GetGroupJSON(g)
		if err != nil {
			continue
		}
		groups[string(g)] = string(raw)
	}

	for _, entry := range s.deps.Topology.Snapshot() {
		if entry.DeviceID == s.deps.DeviceID || entry.DeviceIP == "" {
			continue
		}
		if err := s.deps.Distributor.Push(r.Context(), entry.DeviceIP, groups); err != nil {
			metrics.ObserveTriggerFailure("policy-distribution", "push")
			s.deps.Log.Warnw("controlapi: policy push failed", "peer", entry.DeviceID, "err", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// beaconReply implements POST /ld/beaconReply/: a follower's resource
// report, ingested into the leader's topology table.
func (s *Server) beaconReply(w http.ResponseWriter, r *http.Request) {
	var body discovery.DeviceInformation
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.deps.Table.Upsert(topology.Entry{
		DeviceID:    agentstate.DeviceID(body.DeviceID),
		DeviceIP:    clientIP(r),
		CPUCores:    body.CPUCores,
		MemAvailGiB: body.MemAvail,
		StgAvailGiB: body.StgAvail,
	})
	w.WriteHeader(http.StatusOK)
}

// discoveryControl implements GET /ld/control/{mode}/{op}.
func (s *Server) discoveryControl(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	op := chi.URLParam(r, "op")

	var ok bool
	switch {
	case mode == "beacon" && op == "start":
		ok = s.deps.Discovery.StartBeaconing()
	case mode == "beacon" && op == "stop":
		s.deps.Discovery.StopBeaconing()
		ok = true
	case mode == "scan" && op == "start":
		ok = s.deps.Discovery.StartScanning()
	case mode == "scan" && op == "stop":
		s.deps.Discovery.StopScanning()
		ok = true
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// topologyList implements GET /ld/topology/.
func (s *Server) topologyList(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Topology.Snapshot()
	out := make([][2]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, [2]string{string(e.DeviceID), e.DeviceIP})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"topology": out})
}

func isStateError(err error) bool {
	var e *agentstate.StateError
	return errors.As(err, &e)
}

func isNotFoundError(err error) bool {
	var e *agentstate.NotFoundError
	return errors.As(err, &e)
}
