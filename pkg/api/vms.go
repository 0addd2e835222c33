package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corralhq/corral/pkg/types"
)

// CreateVmRequest is the user-facing VM creation body.
type CreateVmRequest struct {
	Name       string       `json:"name"`
	OwnerID    string       `json:"ownerId"`
	TemplateID string       `json:"templateId,omitempty"`
	Spec       types.VmSpec `json:"spec"`
}

func (s *Server) handleCreateVm(w http.ResponseWriter, r *http.Request) {
	var req CreateVmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed vm body", err.Error())
		return
	}
	if req.Name == "" || req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "name and ownerId are required", "")
		return
	}
	if req.Spec.VirtualCpuCores <= 0 || req.Spec.MemoryBytes <= 0 {
		writeError(w, http.StatusBadRequest, CodeValidation, "spec must declare positive cpu and memory", "")
		return
	}
	if req.TemplateID != "" {
		tpl, err := s.state.Cold().GetTemplate(req.TemplateID)
		if err != nil {
			writeError(w, http.StatusNotFound, CodeNotFound, "template not found", req.TemplateID)
			return
		}
		if req.Spec.ImageID == "" {
			req.Spec.ImageID = tpl.ImageID
		}
	}
	if _, err := s.state.Cold().GetImage(req.Spec.ImageID); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "unknown image", req.Spec.ImageID)
		return
	}
	if req.Spec.QualityTier == "" {
		req.Spec.QualityTier = types.TierStandard
	}

	vm := &types.VirtualMachine{
		ID:         uuid.New().String(),
		Name:       req.Name,
		OwnerID:    req.OwnerID,
		TemplateID: req.TemplateID,
		Status:     types.VmStatusPending,
		Spec:       req.Spec,
		HourlyRate: s.hourlyRate(req.Spec.QualityTier),
		CreatedAt:  time.Now().UTC(),
	}
	s.state.SaveVm(vm)

	s.obligations.Create(&types.Obligation{
		Type:         types.ObTypeVmSchedule,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     5,
	})

	s.logger.Info().Str("vm_id", vm.ID).Str("owner", vm.OwnerID).Msg("vm accepted")
	writeJSON(w, http.StatusAccepted, vm)
}

// hourlyRate resolves the configured base rate for the tier. No pricing
// entry means the deployment bills nothing for that tier.
func (s *Server) hourlyRate(tier types.QualityTier) decimal.Decimal {
	tiers, err := s.state.Cold().ListPricingTiers()
	if err != nil {
		return decimal.Zero
	}
	for _, t := range tiers {
		if t.Tier == tier {
			return t.HourlyRate
		}
	}
	return decimal.Zero
}

func (s *Server) handleGetVm(w http.ResponseWriter, r *http.Request) {
	vm, err := s.state.GetVm(r.PathValue("vmId"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "vm not found", r.PathValue("vmId"))
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleDeleteVm(w http.ResponseWriter, r *http.Request) {
	vm, err := s.state.GetVm(r.PathValue("vmId"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "vm not found", r.PathValue("vmId"))
		return
	}
	if vm.Status == types.VmStatusDeleting || vm.Status == types.VmStatusDeleted {
		writeError(w, http.StatusConflict, CodeConflict, "vm is already being deleted", "")
		return
	}

	s.obligations.Create(&types.Obligation{
		Type:         types.ObTypeVmDelete,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     8,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"vmId": vm.ID, "status": "deleting"})
}
