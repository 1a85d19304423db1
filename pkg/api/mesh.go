package api

import (
	"net/http"

	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/topology"
)

type meshResponse struct {
	Draw            topology.DrawModel `json:"draw"`
	DownLinks       []model.Link       `json:"downLinks"`
	PingIntervalSec int                `json:"pingIntervalSec,omitempty"`
}

// refreshMesh pulls the topology and hands it to the controller.
func (s *Server) refreshMesh(r *http.Request) (model.Mesh, topology.DrawModel, error) {
	m, err := s.opts.Mesh.Mesh(r.Context())
	if err != nil {
		return model.Mesh{}, topology.DrawModel{}, err
	}
	s.opts.Controller.SetMesh(m)
	return m, s.opts.Controller.DrawModel(s.opts.Plane), nil
}

func (s *Server) handleMesh(w http.ResponseWriter, r *http.Request) {
	m, dm, err := s.refreshMesh(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meshResponse{
		Draw:            dm,
		DownLinks:       topology.DownLinks(m.Links),
		PingIntervalSec: m.PingIntervalSec,
	})
}

func (s *Server) handleMeshSVG(w http.ResponseWriter, r *http.Request) {
	_, dm, err := s.refreshMesh(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	_ = topology.WriteSVG(w, dm)
}
