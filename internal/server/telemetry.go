package server

import (
	"errors"
	"net/http"

	"github.com/and161185/vmstats/internal/control"
	"github.com/and161185/vmstats/model"
)

// TelemetryAction is the answer of the start and stop endpoints.
type TelemetryAction struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Details *control.Status `json:"details,omitempty"`
}

// VMList is the answer of the VM listing endpoints.
type VMList struct {
	Count  int            `json:"count"`
	Source string         `json:"source,omitempty"`
	VMs    []model.Entity `json:"vms"`
}

// StartTelemetryHandler starts the poll loop unless it already runs.
func (srv *Server) StartTelemetryHandler(w http.ResponseWriter, r *http.Request) {
	res := TelemetryAction{Status: "already_running", Message: "Telemetry collection is already running"}
	if srv.Telemetry.Start() {
		res = TelemetryAction{Status: "started", Message: "Telemetry collection started"}
	}
	st := srv.Telemetry.Status()
	res.Details = &st
	srv.writeJSON(w, res)
}

// StopTelemetryHandler stops the poll loop and waits for the running cycle.
func (srv *Server) StopTelemetryHandler(w http.ResponseWriter, r *http.Request) {
	stopped, err := srv.Telemetry.Stop(r.Context())
	if err != nil {
		srv.Logger.Errorw("stop telemetry failed", "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, control.ErrStopTimeout) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}
	if !stopped {
		srv.writeJSON(w, TelemetryAction{Status: "not_running", Message: "Telemetry collection is not running"})
		return
	}
	srv.writeJSON(w, TelemetryAction{Status: "stopped", Message: "Telemetry collection stopped"})
}

// TelemetryStatusHandler reports loop counters and the write queue.
func (srv *Server) TelemetryStatusHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, srv.Telemetry.Status())
}

// MonitoredVMsHandler lists the domains of the last poll.
func (srv *Server) MonitoredVMsHandler(w http.ResponseWriter, r *http.Request) {
	vms := srv.Telemetry.Entities()
	srv.writeJSON(w, VMList{Count: len(vms), VMs: nonNil(vms)})
}

// TelemetryConfigHandler shows the masked agent configuration.
func (srv *Server) TelemetryConfigHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, map[string]any{"config": srv.Telemetry.Config()})
}

// LiveVMsHandler lists the running domains straight from libvirt.
func (srv *Server) LiveVMsHandler(w http.ResponseWriter, r *http.Request) {
	vms, err := srv.Telemetry.LiveEntities(r.Context())
	if err != nil {
		srv.Logger.Errorw("list live vms failed", "error", err)
		http.Error(w, "failed to get live VMs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	srv.writeJSON(w, VMList{Count: len(vms), Source: "libvirt", VMs: nonNil(vms)})
}

// DiagnosticHandler checks libvirt and the store.
func (srv *Server) DiagnosticHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, srv.Telemetry.Diagnostic(r.Context()))
}

func nonNil(vms []model.Entity) []model.Entity {
	if vms == nil {
		return []model.Entity{}
	}
	return vms
}
