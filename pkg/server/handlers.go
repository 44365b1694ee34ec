package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/orneryd/dqgraph/pkg/dq"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// =============================================================================
// Flags
// =============================================================================

type createFlagRequest struct {
	Entity      storage.NodeID `json:"entity"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
}

func (s *Server) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var req createFlagRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if req.Entity == "" {
		s.writeError(w, http.StatusBadRequest, "entity required", ErrBadRequest)
		return
	}
	if req.Label == "" {
		req.Label = dq.DefaultFlagClass
	}

	unlock := s.svc.LockClasses(req.Label)
	defer unlock()

	var flag *dq.FlagInstance
	err := s.svc.Update(r.Context(), func(tx storage.Transaction) error {
		var err error
		flag, err = s.svc.CreateFlag(tx, req.Entity, req.Label, req.Description)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, flag)
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	var flags []*dq.FlagInstance
	err := s.svc.View(r.Context(), func(tx storage.Transaction) error {
		var err error
		flags, err = dq.Collect(s.svc.ListFlags(tx, r.URL.Query().Get("label")))
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flags": nonNil(flags),
		"count": len(flags),
	})
}

type attachRequest struct {
	Target      storage.NodeID `json:"target"`
	Description string         `json:"description"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	flagID := storage.NodeID(r.PathValue("id"))

	var att *dq.Attachment
	err := s.svc.Update(r.Context(), func(tx storage.Transaction) error {
		var err error
		att, err = s.svc.AttachToFlag(tx, flagID, req.Target, req.Description)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request) {
	flagID := storage.NodeID(r.PathValue("id"))

	var atts []*dq.Attachment
	err := s.svc.View(r.Context(), func(tx storage.Transaction) error {
		var err error
		atts, err = s.svc.Attachments(tx, flagID)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"attachments": nonNil(atts),
		"count":       len(atts),
	})
}

func (s *Server) handleEntityFlags(w http.ResponseWriter, r *http.Request) {
	entity := storage.NodeID(r.PathValue("id"))

	var flags []*dq.FlagInstance
	err := s.svc.View(r.Context(), func(tx storage.Transaction) error {
		var err error
		flags, err = s.svc.FlagsOfEntity(tx, entity)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flags": nonNil(flags),
		"count": len(flags),
	})
}

// deleteRequest names targets either as node ids or as numeric ids.
type deleteRequest struct {
	IDs       []storage.NodeID `json:"ids"`
	RawIDs    []int64          `json:"rawIds"`
	BatchSize int              `json:"batchSize"`
}

func (req deleteRequest) targets() (dq.Targets, error) {
	if len(req.IDs) > 0 && len(req.RawIDs) > 0 {
		return dq.Targets{}, errors.Join(ErrBadRequest, errors.New("use either ids or rawIds"))
	}
	if len(req.RawIDs) > 0 {
		return dq.RawIDs(req.RawIDs...), nil
	}
	return dq.Refs(req.IDs...), nil
}

func (s *Server) handleDeleteFlags(w http.ResponseWriter, r *http.Request) {
	s.handleBatchDelete(w, r, s.svc.DeleteFlags)
}

func (s *Server) handleDeleteEntityFlags(w http.ResponseWriter, r *http.Request) {
	s.handleBatchDelete(w, r, s.svc.DeleteFlagsOfEntities)
}

type batchDeleteFunc func(ctx context.Context, targets dq.Targets, batchSize int) (int, error)

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request, del batchDeleteFunc) {
	var req deleteRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	targets, err := req.targets()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	n, err := del(r.Context(), targets, req.BatchSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": n,
	})
}

// =============================================================================
// Classes
// =============================================================================

type createClassRequest struct {
	Label             string `json:"label"`
	Parent            string `json:"parent"`
	AlertTriggerLimit *int64 `json:"alertTriggerLimit"`
	Description       string `json:"description"`
}

func (s *Server) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	var req createClassRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	limit := int64(-1)
	if req.AlertTriggerLimit != nil {
		limit = *req.AlertTriggerLimit
	}

	unlock := s.svc.LockClasses(req.Label, req.Parent)
	defer unlock()

	var class *dq.FlagClass
	err := s.svc.Update(r.Context(), func(tx storage.Transaction) error {
		var err error
		class, err = s.svc.CreateClass(tx, req.Label, req.Parent, limit, req.Description)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, class)
}

func (s *Server) handleListClasses(w http.ResponseWriter, r *http.Request) {
	var classes []*dq.FlagClass
	err := s.svc.View(r.Context(), func(tx storage.Transaction) error {
		var err error
		classes, err = dq.Collect(s.svc.ListClasses(tx, r.URL.Query().Get("label")))
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"classes": nonNil(classes),
		"count":   len(classes),
	})
}

func (s *Server) handleDeleteClass(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")

	unlock := s.svc.LockClasses(label)
	defer unlock()

	var removed int
	err := s.svc.Update(r.Context(), func(tx storage.Transaction) error {
		var err error
		removed, err = s.svc.DeleteClass(tx, label)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"class":        label,
		"flagsDeleted": removed,
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("class")

	var stats *dq.Stats
	err := s.svc.View(r.Context(), func(tx storage.Transaction) error {
		var err error
		stats, err = s.svc.Statistics(r.Context(), tx, class)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if stats == nil {
		s.writeError(w, http.StatusNotFound, "class not found", dq.ErrClassNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Entities
// =============================================================================

type createNodeRequest struct {
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	for _, l := range req.Labels {
		if l == "" || dq.IsReservedLabel(l) {
			s.writeError(w, http.StatusBadRequest, "label not allowed on entities: "+l, ErrBadRequest)
			return
		}
	}

	var node *storage.Node
	err := s.svc.Update(r.Context(), func(tx storage.Transaction) error {
		var err error
		node, err = tx.CreateNode(req.Labels, req.Properties)
		return err
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, node)
}

// =============================================================================
// Error mapping
// =============================================================================

// writeServiceError maps service errors onto HTTP status codes. A failed
// batch deletion reports what earlier batches committed.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var batchErr *dq.BatchError
	if errors.As(err, &batchErr) {
		s.errorCount.Add(1)
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":     true,
			"message":   "batch deletion failed",
			"code":      http.StatusInternalServerError,
			"committed": batchErr.Committed,
			"batches":   batchErr.Batches,
			"detail":    err.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, dq.ErrInvalidArgument):
		s.writeError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, dq.ErrMultipleClassesFound):
		s.writeError(w, http.StatusConflict, "ambiguous flag class", err)
	case errors.Is(err, dq.ErrClassNotFound),
		errors.Is(err, dq.ErrEntityNotFound),
		errors.Is(err, dq.ErrFlagNotFound),
		errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "internal server error", err)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
