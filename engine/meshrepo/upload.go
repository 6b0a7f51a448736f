package meshrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// InstanceDescriptor is one entry of asset_resources.instance_list: a
// per-instance transform, material bindings and face descriptors
// (spec.md §6).
type InstanceDescriptor struct {
	Transform    [16]float32 `json:"transform"`
	MaterialRefs []string    `json:"material_refs"`
	Faces        []int       `json:"faces"`
}

// AssetResources is the wire shape of spec.md §6's `asset_resources`
// object.
type AssetResources struct {
	MeshList     [][]byte             `json:"mesh_list"`
	TextureList  [][]byte             `json:"texture_list"`
	InstanceList []InstanceDescriptor `json:"instance_list"`
	Metric       string               `json:"metric"`
}

// UploadPayload is the whole-model structured payload POSTed to both the
// fee and upload capabilities, per spec.md §6.
type UploadPayload struct {
	FolderID       string         `json:"folder_id"`
	AssetType      string         `json:"asset_type"`
	InventoryType  string         `json:"inventory_type"`
	NextOwnerMask  uint32         `json:"next_owner_mask"`
	GroupMask      uint32         `json:"group_mask"`
	EveryoneMask   uint32         `json:"everyone_mask"`
	Name           string         `json:"name"`
	AssetResources AssetResources `json:"asset_resources"`
}

// UploadModelParams bundles the caller-supplied fields LoadMesh-adjacent
// callers pass to UploadModel.
type UploadModelParams struct {
	FolderID      string
	Name          string
	NextOwnerMask uint32
	GroupMask     uint32
	EveryoneMask  uint32
	Instances     []InstanceDescriptor
	Textures      [][]byte
	Geometry      []DecompositionRequest
	FeeURL        string
}

// uploadResponse models both `{state:"upload", uploader:URL, data:{...}}`
// and `{state:"complete", ...}`, and the error shape of spec.md §6.
type uploadResponse struct {
	State    string          `json:"state"`
	Uploader string          `json:"uploader"`
	Data     json.RawMessage `json:"data"`
	Error    *uploadError    `json:"error"`
}

type uploadError struct {
	Message    string        `json:"message"`
	Identifier string        `json:"identifier"`
	Errors     []errorDetail `json:"errors"`
}

type errorDetail struct {
	Message string `json:"message"`
}

// UploadObserver receives the two-phase protocol's outcomes, per spec.md
// §4.10/§7.
type UploadObserver interface {
	OnModelPhysicsFeeReceived(uploadURL string, data json.RawMessage)
	OnModelPhysicsFeeFailed(status int, err *uploadError)
	OnModelUploadSuccess(data json.RawMessage)
	OnModelUploadFailed(status int, err *uploadError)
}

// upload is a single in-flight upload's state; uploads have no retries
// (spec.md §4.10: "the upload URL is single-use and the server uses
// retryable statuses for permanent failures").
type upload struct {
	id       MeshID
	params   UploadModelParams
	observer UploadObserver

	discard chan struct{}
	once    sync.Once
}

// UploadPipeline runs the per-upload workers of spec.md §4.10: transient
// goroutines, one per in-flight upload.
type UploadPipeline struct {
	client     *http.Client
	decomp     *PhysicsDecomposer
	hullResult map[MeshID]HullSet
	hullMu     sync.Mutex

	quitting chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func NewUploadPipeline(decomp *PhysicsDecomposer) *UploadPipeline {
	p := &UploadPipeline{
		client:     &http.Client{Timeout: smallLaneTimeout},
		decomp:     decomp,
		hullResult: make(map[MeshID]HullSet),
		quitting:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.collectHulls()
	return p
}

func (p *UploadPipeline) collectHulls() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quitting:
			return
		case hs, ok := <-p.decomp.Completions():
			if !ok {
				return
			}
			p.hullMu.Lock()
			p.hullResult[hs.MeshID] = hs
			p.hullMu.Unlock()
		}
	}
}

// UploadModel runs the two-phase fee/upload sequence of spec.md §4.10.
// Before either phase, it blocks on the physics decomposer to produce a
// convex hull per model, polled with short sleeps; Discard aborts that
// wait promptly.
func (p *UploadPipeline) UploadModel(ctx context.Context, id MeshID, params UploadModelParams, observer UploadObserver) *upload {
	u := &upload{id: id, params: params, observer: observer, discard: make(chan struct{})}
	p.wg.Add(1)
	go p.run(ctx, u)
	return u
}

// Discard aborts an in-flight upload that is still blocked waiting on the
// physics decomposer (spec.md's supplemented "Upload discard()" feature).
func (u *upload) Discard() {
	u.once.Do(func() { close(u.discard) })
}

func (p *UploadPipeline) run(ctx context.Context, u *upload) {
	defer p.wg.Done()

	for _, geom := range u.params.Geometry {
		p.decomp.Submit(geom)
	}
	hulls, ok := p.awaitHulls(u)
	if !ok {
		return // discarded or shut down
	}

	resources := AssetResources{
		TextureList:  u.params.Textures,
		InstanceList: u.params.Instances,
		Metric:       "MUT_Unspecified",
	}
	for _, hs := range hulls {
		for _, hull := range hs.Hulls {
			buf := new(bytes.Buffer)
			for _, v := range hull {
				fmt.Fprintf(buf, "%f %f %f\n", v.X, v.Y, v.Z)
			}
			resources.MeshList = append(resources.MeshList, buf.Bytes())
		}
	}

	payload := UploadPayload{
		FolderID:       u.params.FolderID,
		AssetType:      "mesh",
		InventoryType:  "object",
		NextOwnerMask:  u.params.NextOwnerMask,
		GroupMask:      u.params.GroupMask,
		EveryoneMask:   u.params.EveryoneMask,
		Name:           u.params.Name,
		AssetResources: resources,
	}

	resp, err := p.post(ctx, u.params.FeeURL, payload)
	if err != nil {
		u.observer.OnModelPhysicsFeeFailed(0, &uploadError{Message: err.Error()})
		return
	}
	if resp.Error != nil {
		u.observer.OnModelPhysicsFeeFailed(http.StatusBadRequest, resp.Error)
		return
	}
	u.observer.OnModelPhysicsFeeReceived(resp.Uploader, resp.Data)

	final, err := p.post(ctx, resp.Uploader, payload)
	if err != nil {
		u.observer.OnModelUploadFailed(0, &uploadError{Message: err.Error()})
		return
	}
	if final.Error != nil {
		u.observer.OnModelUploadFailed(http.StatusBadRequest, final.Error)
		return
	}
	u.observer.OnModelUploadSuccess(final.Data)
}

// awaitHulls polls for every submitted geometry's hull result with short
// sleeps, aborting on discard or shutdown.
func (p *UploadPipeline) awaitHulls(u *upload) ([]HullSet, bool) {
	want := len(u.params.Geometry)
	if want == 0 {
		return nil, true
	}
	var collected []HullSet
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-u.discard:
			return nil, false
		case <-p.quitting:
			return nil, false
		case <-ticker.C:
			p.hullMu.Lock()
			collected = collected[:0]
			for _, geom := range u.params.Geometry {
				if hs, ok := p.hullResult[geom.MeshID]; ok {
					collected = append(collected, hs)
				}
			}
			p.hullMu.Unlock()
			if len(collected) >= want {
				return collected, true
			}
		}
	}
}

func (p *UploadPipeline) post(ctx context.Context, url string, payload UploadPayload) (*uploadResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	return &out, nil
}

// Shutdown sets the quitting flag, which aborts uploads still waiting on
// hull results, and waits for every upload goroutine to return; an upload
// already past the hull wait still posts its requests and calls its
// observer (spec.md §7 "Shutdown").
func (p *UploadPipeline) Shutdown() {
	p.quitOnce.Do(func() { close(p.quitting) })
	p.wg.Wait()
}
