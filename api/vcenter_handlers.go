package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/dsm-platform/dsm-executor/vcenter"
)

// handleBrowseDatastore lists one datastore folder so the UI can pick VMDKs
// for DR shell creation.
func (s *Server) handleBrowseDatastore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VCenterID string `json:"vcenter_id"`
		Datastore string `json:"datastore"`
		Path      string `json:"path"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VCenterID == "" || req.Datastore == "" {
		fail(w, http.StatusBadRequest, "vcenter_id and datastore are required")
		return
	}

	session, err := s.sessions.EnsureSession(r.Context(), req.VCenterID)
	if err != nil {
		remoteFail(w, err)
		return
	}

	files, err := browseDatastore(r.Context(), session, req.Datastore, req.Path)
	if err != nil {
		remoteFail(w, err)
		return
	}
	ok(w, map[string]interface{}{
		"datastore": req.Datastore,
		"path":      req.Path,
		"files":     files,
	})
}

// datastoreFile is one entry of a datastore folder listing.
type datastoreFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Folder    bool   `json:"folder"`
}

func browseDatastore(ctx context.Context, session *vcenter.Session, datastore, path string) ([]datastoreFile, error) {
	finder := find.NewFinder(session.Client.Client, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve datacenter: %w", err)
	}
	finder.SetDatacenter(dc)

	ds, err := finder.Datastore(ctx, datastore)
	if err != nil {
		return nil, fmt.Errorf("datastore %s not found: %w", datastore, err)
	}
	browser, err := ds.Browser(ctx)
	if err != nil {
		return nil, err
	}

	spec := types.HostDatastoreBrowserSearchSpec{
		MatchPattern: []string{"*"},
		Details: &types.FileQueryFlags{
			FileSize: true,
			FileType: true,
		},
	}
	location := fmt.Sprintf("[%s] %s", datastore, strings.TrimPrefix(path, "/"))

	task, err := browser.SearchDatastore(ctx, location, &spec)
	if err != nil {
		return nil, err
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore browse failed: %w", err)
	}

	results, okay := info.Result.(types.HostDatastoreBrowserSearchResults)
	if !okay {
		return nil, fmt.Errorf("unexpected browse result type %T", info.Result)
	}

	files := []datastoreFile{}
	for _, f := range results.File {
		fi := f.GetFileInfo()
		_, isFolder := f.(*types.FolderFileInfo)
		files = append(files, datastoreFile{
			Path:      fi.Path,
			SizeBytes: fi.FileSize,
			Folder:    isFolder,
		})
	}
	return files, nil
}

// relocateVM storage-vMotions one VM onto a datastore and waits for the task.
func relocateVM(ctx context.Context, session *vcenter.Session, vmName, datastore string) error {
	finder := find.NewFinder(session.Client.Client, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve datacenter: %w", err)
	}
	finder.SetDatacenter(dc)

	vm, err := finder.VirtualMachine(ctx, vmName)
	if err != nil {
		return fmt.Errorf("VM %s not found: %w", vmName, err)
	}
	ds, err := finder.Datastore(ctx, datastore)
	if err != nil {
		return fmt.Errorf("datastore %s not found: %w", datastore, err)
	}

	dsRef := ds.Reference()
	spec := types.VirtualMachineRelocateSpec{Datastore: &dsRef}

	task, err := vm.Relocate(ctx, spec, types.VirtualMachineMovePriorityDefaultPriority)
	if err != nil {
		return fmt.Errorf("failed to start relocation of %s: %w", vmName, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("relocation of %s failed: %w", vmName, err)
	}

	log.WithFields(log.Fields{
		"vm":        vmName,
		"datastore": datastore,
	}).Info("✅ Storage vMotion complete")
	return nil
}
