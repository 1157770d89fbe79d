// Package adminapi exposes the one HTTP surface this gateway owns for the
// external admin mapping workflow (the UI itself is someone else's system)
// to reach into the gateway's locally-owned devicestore. Without this, a
// device's provisioning_status can never actually flip pending_mapping ->
// active in the running binary, and the welcome set_wake_schedule command
// would never fire.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fleetcam/devicegateway/internal/devicestore"
	"github.com/fleetcam/devicegateway/internal/macutil"
	"github.com/sirupsen/logrus"
)

// welcomeDispatcher is the slice of *dispatcher.Dispatcher the admin API
// needs to enqueue the welcome command on activation.
type welcomeDispatcher interface {
	EnqueueWelcomeCommand(ctx context.Context, deviceID, deviceMAC, siteCron string) (string, error)
}

// lineageInvalidator is the slice of *devicecontext.Resolver the admin API
// needs to drop a stale cached lineage on activation.
type lineageInvalidator interface {
	InvalidateLineage(ctx context.Context, mac string)
}

// Server serves the device-mapping admin endpoint.
type Server struct {
	devices  *devicestore.Store
	dispatch welcomeDispatcher
	lineage  lineageInvalidator
	log      logrus.FieldLogger
}

// New builds a Server over the gateway's own device store, dispatcher, and
// lineage cache.
func New(devices *devicestore.Store, dispatch welcomeDispatcher, lineage lineageInvalidator, log logrus.FieldLogger) *Server {
	return &Server{devices: devices, dispatch: dispatch, lineage: lineage, log: log}
}

// Handler returns the admin API's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices/mapping", s.handleMapping)
	return mux
}

// mappingRequest is the external mapping event payload: a device has been
// assigned to a company/program/site by the admin UI.
type mappingRequest struct {
	DeviceMAC string `json:"device_mac"`
	CompanyID string `json:"company_id"`
	ProgramID string `json:"program_id"`
	SiteID    string `json:"site_id"`
	SiteCron  string `json:"site_cron"`
}

type mappingResponse struct {
	DeviceMAC            string `json:"device_mac"`
	TransitionedToActive bool   `json:"transitioned_to_active"`
	WelcomeCommandID     string `json:"welcome_command_id,omitempty"`
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	mac, ok := macutil.Normalize(req.DeviceMAC)
	if !ok {
		http.Error(w, "device_mac does not normalize to a valid device identifier", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	transitioned, err := s.devices.AssignLineage(ctx, mac, req.CompanyID, req.ProgramID, req.SiteID)
	if err != nil {
		s.log.WithError(err).WithField("device_mac", mac).Error("assign lineage failed")
		http.Error(w, "failed to assign device mapping", http.StatusInternalServerError)
		return
	}

	resp := mappingResponse{DeviceMAC: mac, TransitionedToActive: transitioned}

	if transitioned {
		if s.lineage != nil {
			s.lineage.InvalidateLineage(ctx, mac)
		}
		deviceID := mac
		if device, getErr := s.devices.GetByMAC(ctx, mac); getErr == nil && device.DeviceCode != "" {
			deviceID = device.DeviceCode
		}
		commandID, enqErr := s.dispatch.EnqueueWelcomeCommand(ctx, deviceID, mac, req.SiteCron)
		if enqErr != nil {
			s.log.WithError(enqErr).WithField("device_mac", mac).Error("failed to enqueue welcome command after activation")
		} else {
			resp.WelcomeCommandID = commandID
			s.log.WithFields(logrus.Fields{"device_mac": mac, "command_id": commandID}).Info("device activated, welcome command enqueued")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithError(err).Error("failed to encode mapping response")
	}
}
