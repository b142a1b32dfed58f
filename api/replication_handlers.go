package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/replication"
)

// ---------------------------------------------------------------------------
// Replication targets
// ---------------------------------------------------------------------------

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.repo.ListReplicationTargets(r.Context())
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"targets": targets})
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var target database.ReplicationTarget
	if !decodeBody(w, r, &target) {
		return
	}
	if target.Name == "" || target.Hostname == "" || target.Pool == "" {
		fail(w, http.StatusBadRequest, "name, hostname and pool are required")
		return
	}

	id, err := s.repo.InsertReplicationTarget(r.Context(), &target)
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"id": id})
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.DeleteReplicationTarget(r.Context(), id); err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"id": id})
}

// ---------------------------------------------------------------------------
// Protection groups
// ---------------------------------------------------------------------------

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.repo.ListProtectionGroups(r.Context(), false)
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"groups": groups})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var group database.ProtectionGroup
	if !decodeBody(w, r, &group) {
		return
	}
	if group.Name == "" || group.ReplicationTargetID == "" {
		fail(w, http.StatusBadRequest, "name and replication_target_id are required")
		return
	}

	target, err := s.repo.GetReplicationTarget(r.Context(), group.ReplicationTargetID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	if target == nil {
		fail(w, http.StatusNotFound, "unknown replication target "+group.ReplicationTargetID)
		return
	}

	id, err := s.repo.InsertProtectionGroup(r.Context(), &group)
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"id": id})
}

func (s *Server) handlePatchGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch map[string]interface{}
	if !decodeBody(w, r, &patch) {
		return
	}
	if len(patch) == 0 {
		fail(w, http.StatusBadRequest, "empty patch")
		return
	}
	if err := s.repo.PatchProtectionGroup(r.Context(), id, patch); err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"id": id})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.DeleteProtectionGroup(r.Context(), id); err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"id": id})
}

// ---------------------------------------------------------------------------
// Protected VMs
// ---------------------------------------------------------------------------

func (s *Server) handleListProtectedVMs(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	vms, err := s.repo.ListProtectedVMs(r.Context(), groupID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"protected_vms": vms})
}

func (s *Server) handleCreateProtectedVM(w http.ResponseWriter, r *http.Request) {
	var pv database.ProtectedVM
	if !decodeBody(w, r, &pv) {
		return
	}
	if pv.ProtectionGroupID == "" || pv.VMName == "" || pv.SourceDataset == "" || pv.TargetDataset == "" {
		fail(w, http.StatusBadRequest, "protection_group_id, vm_name, source_dataset and target_dataset are required")
		return
	}

	id, err := s.repo.InsertProtectedVM(r.Context(), &pv)
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"id": id})
}

func (s *Server) handleDeleteProtectedVM(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.DeleteProtectedVM(r.Context(), id); err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"id": id})
}

// ---------------------------------------------------------------------------
// Wizards
// ---------------------------------------------------------------------------

// handleProtectionPlan enrolls inventory VMs into a protection group,
// deriving dataset names from the VM names.
func (s *Server) handleProtectionPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProtectionGroupID string   `json:"protection_group_id"`
		SourcePool        string   `json:"source_pool"`
		VMIDs             []string `json:"vm_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProtectionGroupID == "" || req.SourcePool == "" || len(req.VMIDs) == 0 {
		fail(w, http.StatusBadRequest, "protection_group_id, source_pool and vm_ids are required")
		return
	}

	group, err := s.repo.GetProtectionGroup(r.Context(), req.ProtectionGroupID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	if group == nil {
		fail(w, http.StatusNotFound, "unknown protection group "+req.ProtectionGroupID)
		return
	}
	target, err := s.repo.GetReplicationTarget(r.Context(), group.ReplicationTargetID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	if target == nil {
		fail(w, http.StatusInternalServerError, "protection group points at a missing target")
		return
	}

	enrolled := []map[string]string{}
	for _, vmID := range req.VMIDs {
		vm, err := s.repo.GetInventoryVM(r.Context(), vmID)
		if err != nil {
			remoteFail(w, err)
			return
		}
		if vm == nil {
			fail(w, http.StatusNotFound, "unknown VM "+vmID)
			return
		}

		pv := &database.ProtectedVM{
			ProtectionGroupID: group.ID,
			VMID:              vm.ID,
			VMName:            vm.Name,
			SourceDataset:     replication.DatasetNameFor(req.SourcePool, vm.Name),
			TargetDataset:     replication.DatasetNameFor(target.Pool, vm.Name),
		}
		id, err := s.repo.InsertProtectedVM(r.Context(), pv)
		if err != nil {
			remoteFail(w, err)
			return
		}
		enrolled = append(enrolled, map[string]string{
			"id":             id,
			"vm_name":        vm.Name,
			"source_dataset": pv.SourceDataset,
			"target_dataset": pv.TargetDataset,
		})
	}

	log.WithFields(log.Fields{
		"group": group.Name,
		"vms":   len(enrolled),
	}).Info("📋 Protection plan applied")
	ok(w, map[string]interface{}{"enrolled": enrolled})
}

// handleDrShellPlan previews the DR shell VMs a group would create, without
// touching the DR site.
func (s *Server) handleDrShellPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProtectionGroupID string `json:"protection_group_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProtectionGroupID == "" {
		fail(w, http.StatusBadRequest, "protection_group_id is required")
		return
	}

	group, err := s.repo.GetProtectionGroup(r.Context(), req.ProtectionGroupID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	if group == nil {
		fail(w, http.StatusNotFound, "unknown protection group "+req.ProtectionGroupID)
		return
	}
	target, err := s.repo.GetReplicationTarget(r.Context(), group.ReplicationTargetID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	if target == nil {
		fail(w, http.StatusInternalServerError, "protection group points at a missing target")
		return
	}
	vms, err := s.repo.ListProtectedVMs(r.Context(), group.ID)
	if err != nil {
		remoteFail(w, err)
		return
	}

	plan := []map[string]interface{}{}
	for _, pv := range vms {
		shellName := pv.VMName + "-drshell"
		plan = append(plan, map[string]interface{}{
			"protected_vm_id":   pv.ID,
			"shell_name":        shellName,
			"datastore":         target.DRDatastore,
			"suggested_vmdk":    fmt.Sprintf("[%s] %s/%s.vmdk", target.DRDatastore, shellName, pv.VMName),
			"already_created":   pv.DRShellCreated,
			"existing_shell_vm": pv.DRShellVMName,
		})
	}
	ok(w, map[string]interface{}{"plan": plan})
}

// handleCreateDrShell builds one DR shell VM around already-replicated VMDKs.
func (s *Server) handleCreateDrShell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProtectedVMID string   `json:"protected_vm_id"`
		ShellName     string   `json:"shell_name"`
		VMDKPaths     []string `json:"vmdk_paths"`
		NetworkName   string   `json:"network_name"`
		NumCPU        int32    `json:"num_cpu"`
		MemoryMB      int64    `json:"memory_mb"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProtectedVMID == "" || len(req.VMDKPaths) == 0 {
		fail(w, http.StatusBadRequest, "protected_vm_id and vmdk_paths are required")
		return
	}

	pv, err := s.repo.GetProtectedVM(r.Context(), req.ProtectedVMID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	if pv == nil {
		fail(w, http.StatusNotFound, "unknown protected VM "+req.ProtectedVMID)
		return
	}
	group, err := s.repo.GetProtectionGroup(r.Context(), pv.ProtectionGroupID)
	if err != nil || group == nil {
		fail(w, http.StatusInternalServerError, "protected VM group lookup failed")
		return
	}
	target, err := s.repo.GetReplicationTarget(r.Context(), group.ReplicationTargetID)
	if err != nil || target == nil {
		fail(w, http.StatusInternalServerError, "replication target lookup failed")
		return
	}
	if target.DRVCenterHostID == nil || target.DRDatastore == "" {
		fail(w, http.StatusBadRequest, "replication target has no DR vCenter or datastore configured")
		return
	}

	session, err := s.sessions.EnsureSession(r.Context(), *target.DRVCenterHostID)
	if err != nil {
		remoteFail(w, err)
		return
	}

	shellName := req.ShellName
	if shellName == "" {
		shellName = pv.VMName + "-drshell"
	}
	moref, err := replication.NewDrShellBuilder(session).CreateDrShellVM(r.Context(), replication.DrShellSpec{
		Name:         shellName,
		SourceVMName: pv.VMName,
		Datastore:    target.DRDatastore,
		VMDKPaths:    req.VMDKPaths,
		NumCPU:       req.NumCPU,
		MemoryMB:     req.MemoryMB,
		NetworkName:  req.NetworkName,
	})
	if err != nil {
		remoteFail(w, err)
		return
	}

	if err := s.repo.PatchProtectedVM(r.Context(), pv.ID, map[string]interface{}{
		"dr_shell_created": true,
		"dr_shell_vm_name": shellName,
	}); err != nil {
		log.WithError(err).Warn("DR shell created but state update failed")
	}
	ok(w, map[string]interface{}{"moref": moref, "shell_name": shellName})
}

// handleMoveToProtectionDatastore storage-vMotions one VM onto the datastore
// replication watches.
func (s *Server) handleMoveToProtectionDatastore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VCenterID string `json:"vcenter_id"`
		VMName    string `json:"vm_name"`
		Datastore string `json:"datastore"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VCenterID == "" || req.VMName == "" || req.Datastore == "" {
		fail(w, http.StatusBadRequest, "vcenter_id, vm_name and datastore are required")
		return
	}

	if s.cfg.ZerfauxUseStubs {
		log.WithField("vm", req.VMName).Info("Storage vMotion stubbed out")
		ok(w, map[string]interface{}{"vm": req.VMName, "stubbed": true})
		return
	}

	session, err := s.sessions.EnsureSession(r.Context(), req.VCenterID)
	if err != nil {
		remoteFail(w, err)
		return
	}
	if err := relocateVM(r.Context(), session, req.VMName, req.Datastore); err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{"vm": req.VMName, "datastore": req.Datastore})
}

// handleBatchStorageVMotion relocates a batch of VMs sequentially, reporting
// per-VM outcomes.
func (s *Server) handleBatchStorageVMotion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VCenterID string   `json:"vcenter_id"`
		VMNames   []string `json:"vm_names"`
		Datastore string   `json:"datastore"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VCenterID == "" || len(req.VMNames) == 0 || req.Datastore == "" {
		fail(w, http.StatusBadRequest, "vcenter_id, vm_names and datastore are required")
		return
	}

	results := []map[string]interface{}{}
	failures := 0

	if s.cfg.ZerfauxUseStubs {
		for _, name := range req.VMNames {
			results = append(results, map[string]interface{}{"vm": name, "moved": true, "stubbed": true})
		}
		ok(w, map[string]interface{}{"results": results, "failures": 0})
		return
	}

	session, err := s.sessions.EnsureSession(r.Context(), req.VCenterID)
	if err != nil {
		remoteFail(w, err)
		return
	}

	for _, name := range req.VMNames {
		if err := relocateVM(r.Context(), session, name, req.Datastore); err != nil {
			failures++
			results = append(results, map[string]interface{}{"vm": name, "moved": false, "error": err.Error()})
			continue
		}
		results = append(results, map[string]interface{}{"vm": name, "moved": true})
	}

	if failures == len(req.VMNames) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":  false,
			"error":    "every relocation failed",
			"results":  results,
			"failures": failures,
		})
		return
	}
	ok(w, map[string]interface{}{"results": results, "failures": failures})
}
