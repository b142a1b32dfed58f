package vcenter

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/database"
)

// VM rows go out in batches; the other types are small enough for one batch
// per type.
const vmBatchSize = 50

// Upserter writes one inventory snapshot into the database idempotently.
// Existing rows are pre-fetched per type so stable local ids survive
// re-collection.
type Upserter struct {
	repo      *database.Repository
	vcenterID string
}

// NewUpserter creates an upserter for one vCenter's inventory.
func NewUpserter(repo *database.Repository, vcenterID string) *Upserter {
	return &Upserter{repo: repo, vcenterID: vcenterID}
}

// UpsertResult summarizes one inventory write.
type UpsertResult struct {
	Clusters      int      `json:"clusters"`
	Hosts         int      `json:"hosts"`
	VMs           int      `json:"vms"`
	Datastores    int      `json:"datastores"`
	Networks      int      `json:"networks"`
	LinkedServers int      `json:"linked_servers"`
	Warnings      []string `json:"warnings,omitempty"`
}

// UpsertAll writes the snapshot, then auto-links server rows to freshly
// written hosts by service tag.
func (u *Upserter) UpsertAll(ctx context.Context, snapshot *InventorySnapshot) (*UpsertResult, error) {
	result := &UpsertResult{}

	if err := u.upsertClusters(ctx, snapshot.Clusters); err != nil {
		return nil, err
	}
	result.Clusters = len(snapshot.Clusters)

	hosts, err := u.upsertHosts(ctx, snapshot.Hosts)
	if err != nil {
		return nil, err
	}
	result.Hosts = len(hosts)

	if err := u.upsertVMs(ctx, snapshot.VMs); err != nil {
		return nil, err
	}
	result.VMs = len(snapshot.VMs)

	if err := u.upsertDatastores(ctx, snapshot.Datastores); err != nil {
		return nil, err
	}
	result.Datastores = len(snapshot.Datastores)

	if err := u.upsertNetworks(ctx, snapshot.Networks); err != nil {
		return nil, err
	}
	result.Networks = len(snapshot.Networks)

	if len(snapshot.Networks) == 0 && len(snapshot.Hosts) > 0 {
		warning := fmt.Sprintf("vCenter returned 0 networks for %d hosts", len(snapshot.Hosts))
		log.WithField("vcenter_id", u.vcenterID).Warn(warning)
		result.Warnings = append(result.Warnings, warning)
	}

	linked, err := u.autoLinkServers(ctx, hosts)
	if err != nil {
		log.WithError(err).Warn("Server auto-linking failed")
		result.Warnings = append(result.Warnings, "server auto-linking failed: "+err.Error())
	}
	result.LinkedServers = linked

	return result, nil
}

// existingIDs pre-fetches the current rows of one table for this vCenter,
// keyed by moref.
func (u *Upserter) existingIDs(ctx context.Context, table string) (map[string]string, error) {
	q := url.Values{}
	q.Set("vcenter_host_id", "eq."+u.vcenterID)
	q.Set("select", "id,moref")

	raw, err := u.repo.Client().Select(ctx, table, q)
	if err != nil {
		return nil, fmt.Errorf("failed to pre-fetch %s rows: %w", table, err)
	}
	rows, err := database.RawRows[struct {
		ID    string `json:"id"`
		MoRef string `json:"moref"`
	}](raw)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(rows))
	for _, r := range rows {
		ids[r.MoRef] = r.ID
	}
	return ids, nil
}

func (u *Upserter) upsertClusters(ctx context.Context, rows []database.Cluster) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := u.existingIDs(ctx, "clusters")
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].ID = idFor(existing, rows[i].MoRef)
	}
	return u.repo.Client().Upsert(ctx, "clusters", rows, "vcenter_host_id,moref")
}

func (u *Upserter) upsertHosts(ctx context.Context, rows []database.Host) ([]database.Host, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	existing, err := u.existingIDs(ctx, "hosts")
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].ID = idFor(existing, rows[i].MoRef)
	}
	if err := u.repo.Client().Upsert(ctx, "hosts", rows, "vcenter_host_id,moref"); err != nil {
		return nil, err
	}
	return rows, nil
}

func (u *Upserter) upsertVMs(ctx context.Context, rows []database.VirtualMachine) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := u.existingIDs(ctx, "vms")
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].ID = idFor(existing, rows[i].MoRef)
	}

	for start := 0; start < len(rows); start += vmBatchSize {
		end := start + vmBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := u.repo.Client().Upsert(ctx, "vms", rows[start:end], "vcenter_host_id,moref"); err != nil {
			return fmt.Errorf("VM batch %d-%d failed: %w", start, end, err)
		}
	}
	return nil
}

func (u *Upserter) upsertDatastores(ctx context.Context, rows []database.Datastore) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := u.existingIDs(ctx, "datastores")
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].ID = idFor(existing, rows[i].MoRef)
	}
	return u.repo.Client().Upsert(ctx, "datastores", rows, "vcenter_host_id,moref")
}

func (u *Upserter) upsertNetworks(ctx context.Context, rows []database.Network) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := u.existingIDs(ctx, "networks")
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].ID = idFor(existing, rows[i].MoRef)
	}
	return u.repo.Client().Upsert(ctx, "networks", rows, "vcenter_host_id,moref")
}

// autoLinkServers pairs unlinked server rows with hosts whose serial number
// equals the server's service tag, patching both sides of the link.
func (u *Upserter) autoLinkServers(ctx context.Context, hosts []database.Host) (int, error) {
	servers, err := u.repo.ListServers(ctx, nil)
	if err != nil {
		return 0, err
	}

	hostsBySerial := map[string]*database.Host{}
	for i := range hosts {
		if serial := strings.TrimSpace(hosts[i].SerialNumber); serial != "" {
			hostsBySerial[strings.ToUpper(serial)] = &hosts[i]
		}
	}

	linked := 0
	for _, server := range servers {
		if server.ServiceTag == "" || server.VCenterHostID != nil {
			continue
		}
		host, ok := hostsBySerial[strings.ToUpper(strings.TrimSpace(server.ServiceTag))]
		if !ok {
			continue
		}

		if err := u.repo.PatchServer(ctx, server.ID, map[string]interface{}{
			"vcenter_host_id": u.vcenterID,
			"esxi_host_id":    host.ID,
		}); err != nil {
			log.WithError(err).WithField("server_id", server.ID).Warn("Server link patch failed")
			continue
		}
		serverID := server.ID
		if _, err := u.repo.Client().Patch(ctx, "hosts",
			url.Values{"id": []string{"eq." + host.ID}},
			map[string]interface{}{"server_id": serverID}); err != nil {
			log.WithError(err).WithField("host_id", host.ID).Warn("Host link patch failed")
			continue
		}

		log.WithFields(log.Fields{
			"server_id":   server.ID,
			"host":        host.Name,
			"service_tag": server.ServiceTag,
		}).Info("🔗 Linked server to ESXi host by service tag")
		linked++
	}
	return linked, nil
}

func idFor(existing map[string]string, moref string) string {
	if id, ok := existing[moref]; ok {
		return id
	}
	return uuid.New().String()
}
