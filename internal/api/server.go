package api

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/xent/internal/logger"
)

type Server struct {
	store   *LossStore
	service *LossService
}

func NewServer(store *LossStore, service *LossService) *Server {
	if store == nil {
		store = NewLossStore(0)
	}
	return &Server{
		store:   store,
		service: service,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/loss", s.handleCreateLoss)
	e.GET("/v1/loss/:id", s.handleGetLoss)
	e.DELETE("/v1/loss/:id", s.handleDeleteLoss)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateLoss(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "loss service not configured", "", "")
	}
	req, err := decodeJSON[LossRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	resp, err := s.service.Compute(c.Request().Context(), &req)
	if err != nil {
		if isClientError(err) {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), errorParam(err), errorCode(err))
		}
		logger.FromContext(c.Request().Context()).Error("loss computation failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", errorCode(err))
	}
	s.store.Put(resp)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetLoss(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "loss not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteLoss(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "loss not found")
	}
	return c.JSON(http.StatusOK, DeleteLossResp{ID: id, Object: "loss.deleted", Deleted: true})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
