package auditevent

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/erezept/erp/internal/platform/auth"
	"github.com/erezept/erp/internal/platform/fhir"
	"github.com/erezept/erp/pkg/pagination"
	"github.com/erezept/erp/pkg/paging"
)

// maxExportLoads bounds one export request.
const maxExportLoads = 40

type Handler struct {
	repo   Repository
	uc     *UseCase
	logger zerolog.Logger
}

func NewHandler(repo Repository, uc *UseCase, logger zerolog.Logger) *Handler {
	return &Handler{repo: repo, uc: uc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.GET("/profiles/:profileId/audit-events", h.ListAuditEvents)
	api.GET("/profiles/:profileId/audit-events/export", h.ExportAuditEvents)

	fhirGroup.GET("/Profile/:profileId/AuditEvent", h.SearchAuditEventsFHIR)
}

// PageResponse is one page of a profile's audit log.
type PageResponse struct {
	Data        []Record `json:"data"`
	NextOffset  *int     `json:"next_offset"`
	PrevOffset  *int     `json:"prev_offset"`
	ItemsBefore int      `json:"items_before"`
	ItemsAfter  int      `json:"items_after"`
}

func offsetOf(k *pagination.Key) *int {
	if k == nil {
		return nil
	}
	o := k.Offset
	return &o
}

func loadParams(req pagination.Request) (paging.LoadParams[pagination.Key], bool) {
	switch req.Load {
	case pagination.LoadRefresh:
		return paging.LoadParams[pagination.Key]{Type: paging.Refresh, LoadSize: InitialLoadSize}, true
	case pagination.LoadAppend:
		return paging.LoadParams[pagination.Key]{Type: paging.Append, Key: req.Key().Ptr(), LoadSize: req.Count}, true
	case pagination.LoadPrepend:
		return paging.LoadParams[pagination.Key]{Type: paging.Prepend, Key: req.Key().Ptr(), LoadSize: req.Count}, true
	}
	return paging.LoadParams[pagination.Key]{}, false
}

// linkSet describes the loaded page as it was actually loaded: a refresh
// always starts at offset 0 with the initial load size.
func linkSet(req pagination.Request, page *paging.Page[pagination.Key, *AuditEvent]) pagination.LinkSet {
	ls := pagination.LinkSet{
		Load:  req.Load,
		Self:  req.Key(),
		Size:  req.Count,
		Next:  page.NextKey,
		Prev:  page.PrevKey,
		Count: req.Count,
	}
	if req.Load == pagination.LoadRefresh {
		ls.Self = pagination.NewKey(0)
		ls.Size = InitialLoadSize
	}
	return ls
}

// upstreamStatus maps a load failure to the status answered to the caller.
func upstreamStatus(err error) int {
	if errors.Is(err, paging.ErrUnsupportedLoad) {
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var se *fhir.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return se.StatusCode
		}
	}
	return http.StatusBadGateway
}

func (h *Handler) loadPage(c echo.Context) (*paging.Page[pagination.Key, *AuditEvent], pagination.Request, int, error) {
	profileID := c.Param("profileId")
	req := pagination.FromContext(c)

	if !auth.CanAccessProfile(c.Request().Context(), profileID) {
		return nil, req, http.StatusForbidden, errors.New("no access to profile " + profileID)
	}
	params, ok := loadParams(req)
	if !ok {
		return nil, req, http.StatusBadRequest, errors.New("load must be refresh, append or prepend")
	}

	page, err := NewPagingSource(h.repo, profileID).Load(c.Request().Context(), params)
	if err != nil {
		code := upstreamStatus(err)
		if code >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("profile_id", profileID).Str("load", req.Load).Msg("audit event page failed")
		}
		return nil, req, code, err
	}
	return page, req, http.StatusOK, nil
}

func (h *Handler) ListAuditEvents(c echo.Context) error {
	page, _, code, err := h.loadPage(c)
	if err != nil {
		return echo.NewHTTPError(code, err.Error())
	}

	records := make([]Record, len(page.Data))
	for i, a := range page.Data {
		records[i] = a.ToRecord()
	}
	return c.JSON(http.StatusOK, PageResponse{
		Data:        records,
		NextOffset:  offsetOf(page.NextKey),
		PrevOffset:  offsetOf(page.PrevKey),
		ItemsBefore: page.ItemsBefore,
		ItemsAfter:  page.ItemsAfter,
	})
}

func (h *Handler) SearchAuditEventsFHIR(c echo.Context) error {
	page, req, code, err := h.loadPage(c)
	if err != nil {
		var outcome *fhir.OperationOutcome
		switch code {
		case http.StatusBadRequest:
			outcome = fhir.NotSupportedOutcome(err.Error())
		case http.StatusForbidden:
			outcome = fhir.NewOperationOutcome("error", "forbidden", err.Error())
		case http.StatusBadGateway:
			outcome = fhir.TransientOutcome(err.Error())
		case http.StatusGatewayTimeout:
			outcome = fhir.NewOperationOutcome("error", "timeout", err.Error())
		default:
			outcome = fhir.ErrorOutcome(err.Error())
		}
		return c.JSON(code, outcome)
	}

	resources := make([]map[string]interface{}, len(page.Data))
	for i, a := range page.Data {
		resources[i] = a.ToFHIR()
	}
	links := pagination.Links(c.Request().URL.Path, linkSet(req, page))
	return c.JSON(http.StatusOK, fhir.NewPageBundle(resources, links))
}

// ExportAuditEvents streams the whole audit log of a profile through the
// pager and returns it in one response.
func (h *Handler) ExportAuditEvents(c echo.Context) error {
	profileID := c.Param("profileId")
	if !auth.CanAccessProfile(c.Request().Context(), profileID) {
		return echo.NewHTTPError(http.StatusForbidden, "no access to profile "+profileID)
	}

	loads := maxExportLoads
	if v := c.QueryParam("max_loads"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "max_loads must be a positive integer")
		}
		loads = min(n, maxExportLoads)
	}

	records, err := h.uc.Collect(c.Request().Context(), profileID, loads)
	if err != nil {
		h.logger.Error().Err(err).Str("profile_id", profileID).Int("collected", len(records)).Msg("audit log export failed")
		return echo.NewHTTPError(upstreamStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  records,
		"count": len(records),
	})
}
