package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/imagesync"
	"github.com/netlabio/controller/internal/jobengine"
	"github.com/netlabio/controller/internal/repository"
	"github.com/netlabio/controller/internal/topology"
)

type labHandler struct {
	labs       repository.LabRepository
	nodes      repository.NodeRepository
	links      repository.LinkRepository
	nodeStates repository.NodeStateRepository
	linkStates repository.LinkStateRepository
	jobRepo    repository.JobRepository
	jobs       *jobengine.Engine
	images     *imagesync.Syncer
	imageHosts repository.ImageHostRepository
	log        *zap.Logger
}

type createLabBody struct {
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	Provider      string `json:"provider"`
	SingleHost    bool   `json:"single_host"`
	DefaultHostID string `json:"default_host_id,omitempty"`
	TopologyYAML  string `json:"topology_yaml"`
}

// Create handles POST /labs — it parses the topology manifest, persists the
// lab and its immutable node/link definitions, and seeds one NodeState row
// per node in the undeployed state. It does not deploy anything: the caller
// issues a separate POST /labs/{id}/up once ready.
func (h *labHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createLabBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" || body.Provider == "" || body.TopologyYAML == "" {
		ErrBadRequest(w, "name, provider, and topology_yaml are required")
		return
	}

	graph, err := topology.Parse(body.TopologyYAML)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	lab := &db.Lab{
		Name:          body.Name,
		Owner:         body.Owner,
		Provider:      body.Provider,
		State:         "stopped",
		SingleHost:    body.SingleHost,
		DefaultHostID: body.DefaultHostID,
		TopologyYAML:  body.TopologyYAML,
	}
	if err := h.labs.Create(r.Context(), lab); err != nil {
		h.log.Error("create lab", zap.Error(err))
		ErrInternal(w)
		return
	}

	nodes := make([]db.Node, 0, len(graph.Nodes))
	for name, spec := range graph.Nodes {
		nodes = append(nodes, db.Node{
			LabID:         lab.ID,
			GUIID:         name,
			DisplayName:   name,
			ContainerName: name,
			NodeType:      spec.Kind,
			Image:         spec.Image,
			HostID:        spec.Host,
		})
	}
	if err := h.nodes.CreateBatch(r.Context(), nodes); err != nil {
		h.log.Error("create nodes", zap.Error(err))
		ErrInternal(w)
		return
	}

	nodeIDByName := make(map[string]uuid.UUID, len(nodes))
	for _, n := range nodes {
		nodeIDByName[n.ContainerName] = n.ID
	}

	links := make([]db.Link, 0, len(graph.Links))
	for _, spec := range graph.Links {
		srcID, ok := nodeIDByName[spec.A.Node]
		if !ok {
			continue
		}
		dstID, ok := nodeIDByName[spec.B.Node]
		if !ok {
			continue
		}
		links = append(links, db.Link{
			LabID:           lab.ID,
			LinkName:        canonicalLinkName(spec.A, spec.B),
			SourceNodeID:    srcID,
			SourceInterface: spec.A.Interface,
			TargetNodeID:    dstID,
			TargetInterface: spec.B.Interface,
		})
	}
	if err := h.links.CreateBatch(r.Context(), links); err != nil {
		h.log.Error("create links", zap.Error(err))
		ErrInternal(w)
		return
	}

	for _, n := range nodes {
		state := &db.NodeState{
			LabID:        lab.ID,
			NodeID:       n.ID,
			NodeName:     n.ContainerName,
			DesiredState: "stopped",
			ActualState:  "undeployed",
		}
		if err := h.nodeStates.Upsert(r.Context(), state); err != nil {
			h.log.Error("seed node state", zap.String("node", n.ContainerName), zap.Error(err))
		}
	}

	h.pushNewManifestImages(graph)

	Created(w, lab)
}

// pushNewManifestImages finds every image reference in graph that has never
// been seen on any host before and fans it out to push-strategy agents —
// the "image enters the manifest" moment for a reference that only exists
// because this lab's topology names it. Runs detached from the request
// since push fan-out dispatches to every matching agent.
func (h *labHandler) pushNewManifestImages(graph *topology.Graph) {
	if h.images == nil || h.imageHosts == nil {
		return
	}

	refs := topology.ImageReferences(graph)
	if len(refs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	known, err := h.imageHosts.ListDistinctImageIDs(ctx)
	if err != nil {
		cancel()
		h.log.Error("list known manifest images", zap.Error(err))
		return
	}
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
	}

	var fresh []string
	for _, ref := range refs {
		if !knownSet[ref] {
			fresh = append(fresh, ref)
		}
	}
	if len(fresh) == 0 {
		cancel()
		return
	}

	go func() {
		defer cancel()
		for _, ref := range fresh {
			h.images.PushOnUpload(ctx, ref)
		}
	}()
}

// canonicalLinkName sorts the two "node:iface" endpoint strings
// lexicographically and joins them with "-", so a link and its reverse
// definition always resolve to the same row.
func canonicalLinkName(a, b topology.Endpoint) string {
	ends := []string{a.Node + ":" + a.Interface, b.Node + ":" + b.Interface}
	sort.Strings(ends)
	return ends[0] + "-" + ends[1]
}

// List handles GET /labs.
func (h *labHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationFromQuery(r)
	owner := r.URL.Query().Get("owner")

	var (
		labs  []db.Lab
		total int64
		err   error
	)
	if owner != "" {
		labs, total, err = h.labs.ListByOwner(r.Context(), owner, opts)
	} else {
		labs, total, err = h.labs.List(r.Context(), opts)
	}
	if err != nil {
		h.log.Error("list labs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listResponse{Items: labs, Total: total})
}

type labDetail struct {
	db.Lab
	Nodes      []db.Node      `json:"nodes"`
	Links      []db.Link      `json:"links"`
	NodeStates []db.NodeState `json:"node_states"`
	LinkStates []db.LinkState `json:"link_states"`
}

// Get handles GET /labs/{id}, returning the lab together with its topology
// definition and current runtime state so a caller doesn't need four
// separate requests to render a lab's status.
func (h *labHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.labID(r)
	if err != nil {
		ErrBadRequest(w, "invalid lab id")
		return
	}

	lab, err := h.labs.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	nodes, err := h.nodes.ListByLab(r.Context(), id)
	if err != nil {
		h.log.Error("list nodes", zap.Error(err))
		ErrInternal(w)
		return
	}
	links, err := h.links.ListByLab(r.Context(), id)
	if err != nil {
		h.log.Error("list links", zap.Error(err))
		ErrInternal(w)
		return
	}
	nodeStates, err := h.nodeStates.ListByLab(r.Context(), id)
	if err != nil {
		h.log.Error("list node states", zap.Error(err))
		ErrInternal(w)
		return
	}
	linkStates, err := h.linkStates.ListByLab(r.Context(), id)
	if err != nil {
		h.log.Error("list link states", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, labDetail{Lab: *lab, Nodes: nodes, Links: links, NodeStates: nodeStates, LinkStates: linkStates})
}

// Delete handles DELETE /labs/{id}. It removes the topology definition and
// derived state rows alongside the lab itself — a lab that was never
// deployed leaves no agent-side state to clean up, and one that was should
// be brought down first via POST /labs/{id}/down.
func (h *labHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := h.labID(r)
	if err != nil {
		ErrBadRequest(w, "invalid lab id")
		return
	}
	if err := h.nodeStates.DeleteByLab(r.Context(), id); err != nil {
		h.log.Error("delete node states", zap.Error(err))
	}
	if err := h.linkStates.DeleteByLab(r.Context(), id); err != nil {
		h.log.Error("delete link states", zap.Error(err))
	}
	if err := h.links.DeleteByLab(r.Context(), id); err != nil {
		h.log.Error("delete links", zap.Error(err))
	}
	if err := h.nodes.DeleteByLab(r.Context(), id); err != nil {
		h.log.Error("delete nodes", zap.Error(err))
	}
	if err := h.labs.Delete(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}
	NoContent(w)
}

// Up handles POST /labs/{id}/up.
func (h *labHandler) Up(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, "up")
}

// Down handles POST /labs/{id}/down.
func (h *labHandler) Down(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, "down")
}

// Restart handles POST /labs/{id}/restart. It starts a down-then-up restart
// sequence and returns the down job; the up job that follows once the down
// phase terminates appears separately in the lab's job history.
func (h *labHandler) Restart(w http.ResponseWriter, r *http.Request) {
	id, err := h.labID(r)
	if err != nil {
		ErrBadRequest(w, "invalid lab id")
		return
	}

	job, err := h.jobs.Restart(r.Context(), id, uuid.Nil)
	if err != nil {
		if err == jobengine.ErrConcurrencyLimit {
			ErrConflict(w, "concurrency limit reached")
			return
		}
		h.log.Error("restart lab", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, job)
}

// NodeStart handles POST /labs/{id}/nodes/{name}/start.
func (h *labHandler) NodeStart(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, "node:start:"+chi.URLParam(r, "name"))
}

// NodeStop handles POST /labs/{id}/nodes/{name}/stop.
func (h *labHandler) NodeStop(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, "node:stop:"+chi.URLParam(r, "name"))
}

// enqueue is the shared path for every lab action: parse the lab id, submit
// the job, and surface a concurrency-limit rejection as 409 rather than 500.
func (h *labHandler) enqueue(w http.ResponseWriter, r *http.Request, action string) {
	id, err := h.labID(r)
	if err != nil {
		ErrBadRequest(w, "invalid lab id")
		return
	}

	job, err := h.jobs.Enqueue(r.Context(), id, action, uuid.Nil)
	if err != nil {
		if err == jobengine.ErrConcurrencyLimit {
			ErrConflict(w, "concurrency limit reached")
			return
		}
		h.log.Error("enqueue job", zap.String("action", action), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, job)
}

// ListJobs handles GET /labs/{id}/jobs.
func (h *labHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	id, err := h.labID(r)
	if err != nil {
		ErrBadRequest(w, "invalid lab id")
		return
	}
	opts := paginationFromQuery(r)
	jobs, total, err := h.jobRepo.ListByLab(r.Context(), id, opts)
	if err != nil {
		h.log.Error("list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listResponse{Items: jobs, Total: total})
}

// CancelJob handles POST /labs/{id}/jobs/{jobID}/cancel.
func (h *labHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return
	}
	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		writeJobKindError(w, err)
		return
	}
	NoContent(w)
}

// GetJob handles GET /jobs/{id}.
func (h *labHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return
	}
	job, err := h.jobRepo.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	Ok(w, job)
}

// GetJobLogs handles GET /jobs/{id}/logs.
func (h *labHandler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return
	}
	logs, err := h.jobRepo.GetLogs(r.Context(), id)
	if err != nil {
		h.log.Error("get job logs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listResponse{Items: logs, Total: int64(len(logs))})
}

func (h *labHandler) labID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}
