package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/klog/v2"

	"github.com/lsst-sqre/cachemachine/internal/controller"
	"github.com/lsst-sqre/cachemachine/internal/image"
)

func (s *Server) listPolicies(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	for _, ctrl := range s.manager.List() {
		names = append(names, ctrl.Name())
	}

	writeJSON(w, http.StatusOK, names)
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var spec controller.PolicySpec
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode policy: %w", err))
		return
	}

	ctrl, err := s.manager.Create(spec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, ctrl.Status())
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, ctrl.Status())
}

// availableImages serves the list a notebook spawner menus on: what is
// already pulled everywhere, so a lab starts without an image wait.
func (s *Server) availableImages(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, imageList{Images: ctrl.AvailableImages()})
}

func (s *Server) desiredImages(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, imageList{Images: ctrl.DesiredImages()})
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// imagesForSelector reports the images present on every schedulable node an
// arbitrary selector matches, without going through a policy.
func (s *Server) imagesForSelector(w http.ResponseWriter, r *http.Request) {
	selector, err := labels.Parse(r.URL.Query().Get("selector"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse selector: %w", err))
		return
	}

	snap := s.inv.Last()
	images := snap.CommonImages(selector)
	if images == nil {
		images = []image.CachedImage{}
	}

	writeJSON(w, http.StatusOK, selectorImages{
		Nodes:  len(snap.Matching(selector)),
		Images: images,
	})
}

type imageList struct {
	Images []image.Image `json:"images"`
}

type selectorImages struct {
	Nodes  int                 `json:"nodes"`
	Images []image.CachedImage `json:"images"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrPolicyExists):
		return http.StatusConflict
	case errors.Is(err, controller.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrNotLeader):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.Errorf("Write API response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		klog.Errorf("API request failed: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
