package firmware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/isp-autolevel/internal/httputil"
	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
	"github.com/banshee-data/isp-autolevel/internal/isp/gamma"
	"github.com/banshee-data/isp-autolevel/internal/isp/histogram"
)

const requestTimeout = 2 * time.Second

// Status is the manager's state as shown on the debug page.
type Status struct {
	ContextID      uint32         `json:"context_id"`
	FrameID        uint32         `json:"frame_id"`
	Manual         bool           `json:"manual_auto_level"`
	Frozen         bool           `json:"freeze_firmware"`
	QueueLen       int            `json:"queue_len"`
	QueueOverflows uint64         `json:"queue_overflows"`
	Machines       map[string]any `json:"machines"`
}

// Status collects a snapshot on the loop goroutine.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st := Status{
		ContextID: m.ctx.ID(),
		Machines:  make(map[string]any),
	}
	err := m.Do(ctx, func() {
		st.FrameID = m.ctx.CurrentFrameID()
		st.Manual = m.ctx.ManualAutoLevel()
		st.Frozen = m.ctx.FreezeFirmware()
		st.QueueLen = m.queue.Len()
		st.QueueOverflows = m.queue.Overflows()
		for name, fn := range m.status {
			st.Machines[name] = fn()
		}
	})
	return st, err
}

type resultResponse struct {
	RC     int    `json:"rc"`
	Gain   uint32 `json:"gain"`
	Offset uint32 `json:"offset"`
	Error  string `json:"error,omitempty"`
}

type statsRequest struct {
	Sum  uint32   `json:"sum"`
	Bins []uint32 `json:"bins"`
}

type rcResponse struct {
	RC    int    `json:"rc"`
	Error string `json:"error,omitempty"`
}

// AttachAdminRoutes adds the ISP debug endpoints to mux.
func (m *Manager) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("isp-status", "control loop state", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		st, err := m.Status(ctx)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, st)
	})

	debug.HandleSilentFunc("isp-manual", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		on, err := strconv.ParseBool(r.FormValue("on"))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, "on must be a boolean")
			return
		}
		m.ctx.SetManualAutoLevel(on)
		logger.Infof("manual auto level set to %t", on)
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"manual_auto_level": on})
	})

	debug.HandleSilentFunc("isp-result", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		out := make([]byte, gamma.ResultSize)
		var perr error
		if err := m.Do(ctx, func() { perr = m.GetParam(fsm.ParamGetGammaResult, nil, out) }); err != nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		resp := resultResponse{RC: ReturnCode(perr)}
		if perr != nil {
			resp.Error = perr.Error()
		} else {
			res := gamma.DecodeResult(out)
			resp.Gain, resp.Offset = res.Gain, res.Offset
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	})

	debug.HandleSilentFunc("isp-stats", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		var req statsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		payload := encodeStatsRequest(req)
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		var perr error
		if err := m.Do(ctx, func() { perr = m.SetParam(fsm.ParamSetGammaStats, payload) }); err != nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		resp := rcResponse{RC: ReturnCode(perr)}
		if perr != nil {
			resp.Error = perr.Error()
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	})
}

// encodeStatsRequest builds the SET_STATS payload. A request with the wrong
// number of bins produces a payload of the wrong size, which the machine
// rejects.
func encodeStatsRequest(req statsRequest) []byte {
	if len(req.Bins) != histogram.HistogramSize {
		return make([]byte, 4+4*len(req.Bins))
	}
	var buf histogram.Buffer
	copy(buf.Bins[:], req.Bins)
	buf.Sum = req.Sum
	return gamma.EncodeStats(buf)
}
