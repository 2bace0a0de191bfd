package handler

import (
	"context"
	"net/http"

	"busline/internal/domain"
)

type RouteLister interface {
	RouteReader
	ListRoutes(ctx context.Context) ([]*domain.Route, error)
}

type RouteHandler struct {
	routes RouteLister
}

func NewRouteHandler(routes RouteLister) *RouteHandler {
	return &RouteHandler{routes: routes}
}

type RoutesResponse struct {
	Routes []*domain.Route `json:"routes"`
	Count  int             `json:"count"`
}

func (h *RouteHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.routes.ListRoutes(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RoutesResponse{Routes: routes, Count: len(routes)})
}

func (h *RouteHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := h.routes.GetRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, route)
}
