package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
)

// defaultHistoryLimit caps history responses when the client does not
// ask for a specific size.
const defaultHistoryLimit = 50

// snapshotOr503 fetches the current snapshot or answers 503 when the
// bridge has not completed its first refresh yet.
func (s *Server) snapshotOr503(w http.ResponseWriter) *gira.Snapshot {
	if s.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "coordinator not attached")
		return nil
	}
	snap := s.coordinator.Snapshot()
	if snap == nil || snap.Config == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "no device snapshot yet")
		return nil
	}
	return snap
}

// functionSummary is the list representation of a device function.
type functionSummary struct {
	UID          string `json:"uid"`
	DisplayName  string `json:"display_name"`
	FunctionType string `json:"function_type"`
	ChannelType  string `json:"channel_type"`
	Kind         string `json:"kind"`
	DataPoints   int    `json:"datapoints"`
}

// handleListFunctions returns all functions from the current configuration.
func (s *Server) handleListFunctions(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshotOr503(w)
	if snap == nil {
		return
	}

	functions := make([]functionSummary, 0, len(snap.Config.Functions))
	for _, fn := range snap.Config.Functions {
		summary := functionSummary{
			UID:          fn.UID,
			DisplayName:  fn.DisplayName,
			FunctionType: fn.FunctionType,
			ChannelType:  fn.ChannelType,
			DataPoints:   len(fn.DataPoints),
		}
		if ent, ok := s.registry.ByUID(fn.UID); ok {
			summary.Kind = string(ent.Kind)
		} else {
			summary.Kind = "unknown"
		}
		functions = append(functions, summary)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config_version": snap.ConfigVersion,
		"functions":      functions,
	})
}

// datapointDetail is a datapoint with its current value.
type datapointDetail struct {
	UID      string  `json:"uid"`
	Name     string  `json:"name"`
	CanRead  bool    `json:"can_read"`
	CanWrite bool    `json:"can_write"`
	Value    *string `json:"value,omitempty"`
}

// handleGetFunction returns one function with datapoints and values.
func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshotOr503(w)
	if snap == nil {
		return
	}

	fn, ok := snap.Config.FunctionByUID(chi.URLParam(r, "uid"))
	if !ok {
		writeNotFound(w, "function not found")
		return
	}

	datapoints := make([]datapointDetail, 0, len(fn.DataPoints))
	for _, dp := range fn.DataPoints {
		detail := datapointDetail{
			UID:      dp.UID,
			Name:     dp.Name,
			CanRead:  dp.CanRead,
			CanWrite: dp.CanWrite,
		}
		if v, ok := snap.Value(dp.UID); ok {
			detail.Value = &v
		}
		datapoints = append(datapoints, detail)
	}

	resp := map[string]any{
		"uid":           fn.UID,
		"display_name":  fn.DisplayName,
		"function_type": fn.FunctionType,
		"channel_type":  fn.ChannelType,
		"datapoints":    datapoints,
	}
	if ent, ok := s.registry.ByUID(fn.UID); ok {
		resp["kind"] = string(ent.Kind)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListValues returns the full value snapshot.
func (s *Server) handleListValues(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshotOr503(w)
	if snap == nil {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config_version": snap.ConfigVersion,
		"fetched_at":     snap.FetchedAt,
		"values":         snap.Values,
	})
}

// handleGetValue returns the current value of a single datapoint.
func (s *Server) handleGetValue(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshotOr503(w)
	if snap == nil {
		return
	}

	uid := chi.URLParam(r, "uid")
	value, ok := snap.Value(uid)
	if !ok {
		writeNotFound(w, "datapoint not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uid":   uid,
		"value": value,
	})
}

// setValueRequest is the body of PUT /datapoints/{uid}/value. The value
// may arrive as a JSON string, number or boolean.
type setValueRequest struct {
	Value json.RawMessage `json:"value"`
}

// handleSetValue writes a datapoint value to the device.
func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshotOr503(w)
	if snap == nil {
		return
	}

	var req setValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		writeBadRequest(w, "body must contain a value")
		return
	}

	uid := chi.URLParam(r, "uid")
	dp, ok := findDataPoint(snap.Config, uid)
	if !ok {
		writeNotFound(w, "datapoint not found")
		return
	}
	if !dp.CanWrite {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "datapoint is read-only")
		return
	}

	value := gira.NormalizeRaw(req.Value)
	if err := s.coordinator.SetValue(r.Context(), uid, value); err != nil {
		s.writeDeviceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uid":   uid,
		"value": value,
	})
}

// findDataPoint locates a datapoint anywhere in the configuration.
func findDataPoint(cfg *gira.UIConfig, uid string) (gira.DataPoint, bool) {
	for _, fn := range cfg.Functions {
		for _, dp := range fn.DataPoints {
			if dp.UID == uid {
				return dp, true
			}
		}
	}
	return gira.DataPoint{}, false
}

// writeDeviceError maps a device client error to an HTTP response.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gira.ErrConnection):
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "device unreachable")
	case errors.Is(err, gira.ErrAuth):
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "device rejected credentials")
	default:
		if api, ok := gira.IsAPIError(err); ok {
			writeError(w, http.StatusBadGateway, ErrCodeInternal,
				"device answered status "+strconv.Itoa(api.Status))
			return
		}
		writeInternalError(w, "device request failed")
	}
}

// handleRefresh schedules an out-of-band refresh cycle.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "coordinator not attached")
		return
	}
	s.coordinator.RequestRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "refresh scheduled"})
}

// handleGetHistory returns recent recorded value changes for a datapoint.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "history not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	uid := chi.URLParam(r, "uid")
	changes, err := s.history.RecentHistory(r.Context(), uid, limit)
	if err != nil {
		s.logger.Error("history query failed", "uid", uid, "error", err)
		writeInternalError(w, "history query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uid":     uid,
		"changes": changes,
	})
}
