package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/corralhq/corral/pkg/nodes"
	"github.com/corralhq/corral/pkg/types"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.NodeRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed registration body", err.Error())
		return
	}

	resp, err := s.nodeMgr.Register(&req)
	if err != nil {
		if strings.Contains(err.Error(), "signature") {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "registration rejected", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, CodeValidation, "registration rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	signature := r.Header.Get("X-Signature")
	timestamp := r.Header.Get("X-Timestamp")
	if signature == "" || timestamp == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing X-Signature or X-Timestamp", "")
		return
	}

	path := nodes.HeartbeatPath(nodeID)
	if err := s.nodeMgr.AuthenticateHeartbeat(nodeID, path, timestamp, signature); err != nil {
		s.logger.Warn().Str("node_id", nodeID).Err(err).Msg("heartbeat auth failed")
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "heartbeat rejected", err.Error())
		return
	}

	var hb types.NodeHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed heartbeat body", err.Error())
		return
	}
	if hb.NodeID == "" {
		hb.NodeID = nodeID
	}
	if hb.NodeID != nodeID {
		writeError(w, http.StatusForbidden, CodeForbidden, "heartbeat body node does not match path", "")
		return
	}

	resp, err := s.nodeMgr.Heartbeat(&hb)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown node", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var ack types.CommandAcknowledgment
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed acknowledgment body", err.Error())
		return
	}
	if ack.CommandID == "" {
		ack.CommandID = r.PathValue("commandId")
	}
	if ack.CommandID != r.PathValue("commandId") {
		writeError(w, http.StatusConflict, CodeConflict, "acknowledgment command does not match path", "")
		return
	}

	// Replays and unknown commands are dropped inside; the ack endpoint
	// is always 200 so agents do not retry forever.
	s.nodeMgr.Acknowledge(&ack)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}
