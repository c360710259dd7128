package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
	"github.com/fyrsmithlabs/researchd/internal/synth"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps an error to its HTTP status and a stable JSON shape.
func writeError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	return c.JSON(apperr.HTTPStatus(kind), errorResponse{
		Error: err.Error(),
		Kind:  kind.String(),
	})
}

func (s *Server) handleHealthz(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return writeError(c, apperr.E(apperr.Validation, "multipart field 'file' is required"))
	}
	src, err := file.Open()
	if err != nil {
		return writeError(c, apperr.Wrap(apperr.Validation, err, "opening upload"))
	}
	defer src.Close()

	doc, err := s.deps.Ingestor.IngestFile(c.Request().Context(), file.Filename, src)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, doc)
}

type searchRequest struct {
	Query      string `json:"query"`
	Mode       string `json:"mode"`
	K          int    `json:"k"`
	Synthesize bool   `json:"synthesize"`
}

type searchResponse struct {
	Hits   []retrieve.Hit `json:"hits"`
	Answer *synth.Answer  `json:"answer,omitempty"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.Validation, err, "invalid request body"))
	}
	mode, err := retrieve.ParseMode(req.Mode)
	if err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()
	hits, err := s.deps.Searcher.Search(ctx, req.Query, mode, req.K)
	if err != nil {
		return writeError(c, err)
	}

	resp := searchResponse{Hits: hits}
	if req.Synthesize && s.deps.Synth != nil {
		answer, err := s.deps.Synth.Synthesize(ctx, req.Query, string(mode), req.K, hits)
		if err != nil {
			return writeError(c, err)
		}
		resp.Answer = answer
	}
	return c.JSON(http.StatusOK, resp)
}

type imageSearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func (s *Server) handleImageSearch(c echo.Context) error {
	var req imageSearchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.Validation, err, "invalid request body"))
	}
	hits, err := s.deps.Searcher.SearchImages(c.Request().Context(), req.Query, req.K)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}

func (s *Server) handleResearchStart(c echo.Context) error {
	if s.deps.Research == nil {
		return writeError(c, apperr.E(apperr.Unsupported, "deep research is not configured"))
	}
	id, err := s.deps.Research.Start(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"conversation_id": id})
}

type askRequest struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	ForceWeb       bool     `json:"force_web"`
	URLs           []string `json:"urls"`
}

func (s *Server) handleResearchAsk(c echo.Context) error {
	if s.deps.Research == nil {
		return writeError(c, apperr.E(apperr.Unsupported, "deep research is not configured"))
	}
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.Validation, err, "invalid request body"))
	}
	res, err := s.deps.Research.Ask(c.Request().Context(), &research.AskRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		ForceWeb:       req.ForceWeb,
		URLs:           req.URLs,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	docs, err := s.deps.Store.ListDocuments(c.Request().Context(), limit, offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": docs})
}

func (s *Server) handleListActivity(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	events, err := s.deps.Store.ListActivity(c.Request().Context(), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"activity": events})
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return writeError(c, apperr.E(apperr.Validation, "invalid document id %q", c.Param("id")))
	}
	if err := s.deps.Ingestor.Delete(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReindex(c echo.Context) error {
	stats, err := s.deps.Ingestor.Reindex(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
