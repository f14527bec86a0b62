package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/logic/ratelimit"
	"github.com/patrickwarner/adselection/internal/middleware"
)

// AppInstallRequest lists the buyers allowed to filter ads on the calling
// app being installed.
type AppInstallRequest struct {
	Buyers []string `json:"buyers"`
}

// AppInstallHandler handles POST and DELETE /v1/appinstall. POST registers the
// calling package as installed for every listed buyer, DELETE removes it.
func (s *Server) AppInstallHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "appinstall"
	method := r.Method

	caller, ok := s.admit(w, r, ratelimit.APIAppInstall, endpoint, start)
	if !ok {
		return
	}

	var req AppInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid json", start)
		return
	}
	if len(req.Buyers) == 0 {
		s.fail(w, endpoint, method, http.StatusBadRequest, "buyers required", start)
		return
	}

	packages := []string{caller}
	for _, buyer := range req.Buyers {
		var err error
		if method == http.MethodDelete {
			err = s.AppInstalls.UnregisterAppInstall(r.Context(), buyer, packages)
		} else {
			err = s.AppInstalls.RegisterAppInstall(r.Context(), buyer, packages)
		}
		if err != nil {
			logger.Error("update app install", zap.String("buyer", buyer), zap.String("package", caller), zap.Error(err))
			s.fail(w, endpoint, method, http.StatusInternalServerError, "failed to update app install", start)
			return
		}
	}

	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
