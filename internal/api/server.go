package api

import (
	"net/http"

	"github.com/lsst-sqre/cachemachine/internal/controller"
	"github.com/lsst-sqre/cachemachine/internal/inventory"
)

// Server is the policy API. It owns no state of its own: policies live in
// the manager, node facts in the inventory.
type Server struct {
	manager *controller.Manager
	inv     *inventory.Inventory
}

func NewServer(manager *controller.Manager, inv *inventory.Inventory) *Server {
	return &Server{manager: manager, inv: inv}
}

// Handler returns the route table. Everything lives under /cachemachine/,
// the path the ingress mounts this service at.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cachemachine/{$}", s.listPolicies)
	mux.HandleFunc("POST /cachemachine/{$}", s.createPolicy)
	mux.HandleFunc("GET /cachemachine/images", s.imagesForSelector)
	mux.HandleFunc("GET /cachemachine/{name}", s.getPolicy)
	mux.HandleFunc("GET /cachemachine/{name}/available", s.availableImages)
	mux.HandleFunc("GET /cachemachine/{name}/desired", s.desiredImages)
	mux.HandleFunc("DELETE /cachemachine/{name}", s.deletePolicy)

	return mux
}
