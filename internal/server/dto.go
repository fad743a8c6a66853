package server

import (
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/streams"
	v1 "github.com/conveyorhq/conveyor/pkg/api/v1"
)

func taskToDTO(t *queue.Task) v1.Task {
	return v1.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		RepoPath:    t.RepoPath,
		Branch:      t.Branch,
		Status:      t.Status,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		LastError:   t.LastError,
		CreatedBy:   t.CreatedBy,
		NotifyChat:  t.NotifyChat,
		CreatedAt:   t.CreatedAt,
		SessionID:   t.SessionID,
		RetryAfter:  t.RetryAfter,
		RetryPhase:  t.RetryPhase,
		Dispatched:  t.DispatchedAt != "",
	}
}

func tasksToDTO(tasks []*queue.Task) []v1.Task {
	out := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToDTO(t))
	}
	return out
}

func runToDTO(r *queue.RunHistoryEntry) v1.Run {
	return v1.Run{
		ID:         r.ID,
		TaskID:     r.TaskID,
		Phase:      r.Phase,
		RepoPath:   r.RepoPath,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationS:  r.DurationS,
		BytesOut:   r.BytesOut,
		ErrorMsg:   r.ErrorMsg,
	}
}

func runsToDTO(runs []*queue.RunHistoryEntry) []v1.Run {
	out := make([]v1.Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, runToDTO(r))
	}
	return out
}

func runStatsToDTO(rs *queue.RunStats) v1.RunStats {
	return v1.RunStats{
		Total:         rs.Total,
		Done:          rs.Done,
		Failed:        rs.Failed,
		Running:       rs.Running,
		AvgDurationS:  rs.AvgDurationS,
		TotalBytesOut: rs.TotalBytesOut,
	}
}

func groupToDTO(g *queue.RegisteredGroup) v1.Group {
	return v1.Group{
		JID:             g.JID,
		Name:            g.Name,
		Folder:          g.Folder,
		Trigger:         g.Trigger,
		RequiresTrigger: g.RequiresTrigger,
	}
}

func groupsToDTO(groups []*queue.RegisteredGroup) []v1.Group {
	out := make([]v1.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupToDTO(g))
	}
	return out
}

func statsToResponse(st engine.Status, qs *queue.Stats) v1.StatsResponse {
	return v1.StatsResponse{
		Running:         st.Running,
		Mode:            st.Mode,
		Continuous:      st.Continuous,
		UptimeSeconds:   st.UptimeSeconds,
		ActiveWorkers:   st.Scheduler.ActiveWorkers,
		MaxWorkers:      st.Scheduler.MaxWorkers,
		TotalDispatched: st.Scheduler.TotalDispatched,
		TotalFailed:     st.Scheduler.TotalFailed,
		Queue: v1.QueueStats{
			Total:  qs.Total,
			Active: qs.Active,
			Merged: qs.Merged,
			Failed: qs.Failed,
		},
	}
}

func logsToDTO(entries []streams.LogEntry) []v1.LogEntry {
	out := make([]v1.LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, v1.LogEntry{Time: e.Time, Level: e.Level, Message: e.Message})
	}
	return out
}
