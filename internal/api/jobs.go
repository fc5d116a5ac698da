package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/job"
)

func (s *Server) jobsAvailable(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Jobs != nil {
		return true
	}
	writeErrorStatus(w, r, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeQueueFailure, "异步队列未启用"), nil)
	return false
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w, r) {
		return
	}
	opts, err := parseJobListOptions(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w, r) {
		return
	}
	opts, err := parseJobListOptions(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	stats, err := s.deps.Jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsAvailable(w, r) {
		return
	}
	found, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// parseJobListOptions 解析 status、limit、offset、session_id、q、order、has_report、since、until。
func parseJobListOptions(r *http.Request) ([]job.ListOption, error) {
	query := r.URL.Query()
	var opts []job.ListOption

	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !job.IsValidStatus(status) {
				return nil, invalidArgument("未知的作业状态", "status")
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, invalidArgument("limit 必须为非负整数", "limit")
		}
		opts = append(opts, job.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, invalidArgument("offset 必须为非负整数", "offset")
		}
		opts = append(opts, job.WithOffset(offset))
	}
	if raw := query.Get("session_id"); raw != "" {
		opts = append(opts, job.WithSession(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, job.WithQuery(raw))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	default:
		return nil, invalidArgument("order 仅支持 asc 或 desc", "order")
	}
	if raw := query.Get("has_report"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalidArgument("has_report 必须为布尔值", "has_report")
		}
		opts = append(opts, job.WithReportPresence(has))
	}
	for _, bound := range []struct {
		name  string
		apply func(time.Time) job.ListOption
	}{
		{"since", job.WithUpdatedSince},
		{"until", job.WithUpdatedUntil},
	} {
		raw := query.Get(bound.name)
		if raw == "" {
			continue
		}
		ts, err := parseTime(raw)
		if err != nil {
			return nil, invalidArgument("时间格式应为 RFC3339 或 Unix 秒", bound.name)
		}
		opts = append(opts, bound.apply(ts))
	}
	return opts, nil
}

func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}
