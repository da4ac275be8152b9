package http

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/rag"
	"github.com/sentrahq/sentra/internal/store"
)

func (h *AdminHandler) registerKnowledgeRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/knowledge-base", h.auth(h.handleListKnowledge))
	mux.HandleFunc("POST /api/admin/knowledge-base", h.auth(h.handleCreateKnowledge))
	mux.HandleFunc("GET /api/admin/knowledge-base/{id}", h.auth(h.handleGetKnowledge))
	mux.HandleFunc("PUT /api/admin/knowledge-base/{id}", h.auth(h.handleUpdateKnowledge))
	mux.HandleFunc("DELETE /api/admin/knowledge-base/{id}", h.auth(h.handleDeleteKnowledge))
	mux.HandleFunc("POST /api/admin/knowledge-base/search", h.auth(h.handleSearchKnowledge))
	mux.HandleFunc("POST /api/admin/knowledge-base/bulk-import", h.auth(h.handleBulkImportKnowledge))
	mux.HandleFunc("POST /api/admin/knowledge-base/bulk-delete", h.auth(h.handleBulkDeleteKnowledge))
}

func (h *AdminHandler) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	docs, err := h.stores.Knowledge.List(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *AdminHandler) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid document ID")
		return
	}
	doc, err := h.stores.Knowledge.Get(r.Context(), id)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *AdminHandler) handleCreateKnowledge(w http.ResponseWriter, r *http.Request) {
	var doc store.KnowledgeDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	if msg := validateDoc(&doc); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_document", msg)
		return
	}
	doc.ID = uuid.Nil
	if err := h.stores.Knowledge.Create(r.Context(), &doc); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusCreated, doc)
}

func (h *AdminHandler) handleUpdateKnowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid document ID")
		return
	}
	var doc store.KnowledgeDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	doc.ID = id
	if msg := validateDoc(&doc); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_document", msg)
		return
	}
	if err := h.stores.Knowledge.Update(r.Context(), &doc); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, doc)
}

func (h *AdminHandler) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid document ID")
		return
	}
	if err := h.stores.Knowledge.Delete(r.Context(), id); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleSearchKnowledge ranks the corpus against a query with the same
// scorer the retrieval pass uses, so admins see exactly what a turn would.
func (h *AdminHandler) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	if req.Limit <= 0 || req.Limit > 50 {
		req.Limit = 10
	}

	docs, err := h.stores.Knowledge.List(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	ranked := rag.Rank(req.Query, docs)
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	type hit struct {
		Document store.KnowledgeDoc `json:"document"`
		Score    int                `json:"score"`
	}
	hits := make([]hit, 0, len(ranked))
	for _, sd := range ranked {
		hits = append(hits, hit{Document: sd.Doc, Score: sd.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (h *AdminHandler) handleBulkImportKnowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Documents []store.KnowledgeDoc `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "bad_document", "documents are required")
		return
	}
	for i := range req.Documents {
		if msg := validateDoc(&req.Documents[i]); msg != "" {
			writeError(w, http.StatusBadRequest, "bad_document", msg)
			return
		}
		req.Documents[i].ID = uuid.Nil
	}

	n, err := h.stores.Knowledge.BulkImport(r.Context(), req.Documents)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (h *AdminHandler) handleBulkDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []uuid.UUID `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_id", "ids are required")
		return
	}

	n, err := h.stores.Knowledge.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func validateDoc(d *store.KnowledgeDoc) string {
	if d.Title == "" {
		return "title is required"
	}
	if d.Content == "" {
		return "content is required"
	}
	return ""
}
