package gateway

import (
	"context"

	"github.com/ouqro/swgate/internal/worker"
)

// VersionStatus 描述单个版本的生命周期与分区。
type VersionStatus struct {
	Version    string                `json:"version"`
	State      worker.State          `json:"state"`
	Partitions worker.PartitionNames `json:"partitions"`
}

// Status 是 /-/sw/state 的响应体。
type Status struct {
	Active     *VersionStatus `json:"active,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Partitions []string       `json:"partitions"`
	SyncTags   []string       `json:"sync_tags,omitempty"`
}

// Status 汇总当前版本与存储中的全部分区。
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	g.mu.RLock()
	active, waiting := g.active, g.waiting
	g.mu.RUnlock()

	partitions, err := g.deps.Store.Partitions(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Active:     describe(active),
		Waiting:    describe(waiting),
		Partitions: partitions,
	}
	if active != nil {
		status.SyncTags = active.SyncTags()
	}
	if status.Partitions == nil {
		status.Partitions = []string{}
	}
	return status, nil
}

func describe(w *worker.Worker) *VersionStatus {
	if w == nil {
		return nil
	}
	return &VersionStatus{
		Version:    w.Version(),
		State:      w.State(),
		Partitions: w.Names(),
	}
}
