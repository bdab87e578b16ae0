package http

import (
	"strings"

	"engage_server/core/domain"
	in "engage_server/core/port/in"
	"engage_server/core/service/callqueue"
	"engage_server/pkg/apperr"
	"engage_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// CallQueueHandler exposes the call queue over HTTP
type CallQueueHandler struct {
	service in.CallQueueService
}

func NewCallQueueHandler(service in.CallQueueService) *CallQueueHandler {
	return &CallQueueHandler{service: service}
}

// Register registers call queue routes
func (h *CallQueueHandler) Register(router fiber.Router) {
	q := router.Group("/call-queue", RequireTenant())

	// Enqueue
	q.Post("/", h.Enqueue)
	q.Post("/batch", h.EnqueueBatch)
	q.Post("/import", h.Import)

	// Queries
	q.Get("/", h.List)
	q.Get("/stats", h.Stats)
	q.Get("/next", h.Next)
	q.Get("/items/:id", h.Get)

	// Assistant sessions
	q.Get("/assistants", h.ListAssistants)
	q.Get("/assistants/:persona", h.GetAssistant)
	q.Post("/assistants/:persona/start", h.StartAssistant)
	q.Post("/assistants/:persona/stop", h.StopAssistant)
	q.Post("/assistants/:persona/advance", h.Advance)
	q.Post("/assistants/:persona/switch-lane", h.SwitchLane)
	q.Delete("/assistants/:persona", h.ResetAssistant)

	// Single item controls
	q.Post("/claim", h.ClaimNext)
	q.Post("/items/:id/start", h.Start)
	q.Post("/items/:id/complete", h.Complete)
	q.Post("/items/:id/reschedule", h.Reschedule)
	q.Post("/items/:id/skip", h.Skip)
	q.Post("/items/:id/dial", h.Dial)
	q.Post("/call-status", h.CallStatus)

	// Removal
	q.Delete("/items/:id", h.Remove)
	q.Delete("/leads/:leadId", h.RemoveByLead)
	q.Delete("/completed", h.ClearCompleted)
	q.Delete("/personas/:persona", h.ClearPersona)
}

// =============================================================================
// Enqueue
// =============================================================================

func (h *CallQueueHandler) Enqueue(c *fiber.Ctx) error {
	var req callqueue.EnqueueRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	out, err := h.service.Enqueue(c.UserContext(), tenantOf(c), &req)
	if err != nil {
		return fail(c, err)
	}
	if out.Created {
		return response.Created(c, out)
	}
	return response.OK(c, out)
}

type batchRequest struct {
	Items []*callqueue.EnqueueRequest `json:"items"`
}

func (h *CallQueueHandler) EnqueueBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if len(req.Items) == 0 {
		return fail(c, apperr.MissingField("items"))
	}
	res, err := h.service.EnqueueBatch(c.UserContext(), tenantOf(c), req.Items)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, res)
}

// importRequest enqueues many leads under one persona, lane and priority.
type importRequest struct {
	Persona      string   `json:"persona"`
	Lane         string   `json:"campaign_lane"`
	BasePriority *int     `json:"base_priority"`
	Tags         []string `json:"tags"`
	Leads        []struct {
		LeadID   string `json:"lead_id"`
		LeadName string `json:"lead_name"`
		Phone    string `json:"phone"`
	} `json:"leads"`
}

func (h *CallQueueHandler) Import(c *fiber.Ctx) error {
	var req importRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if len(req.Leads) == 0 {
		return fail(c, apperr.MissingField("leads"))
	}
	reqs := make([]*callqueue.EnqueueRequest, 0, len(req.Leads))
	for _, l := range req.Leads {
		reqs = append(reqs, &callqueue.EnqueueRequest{
			LeadID:       l.LeadID,
			LeadName:     l.LeadName,
			Phone:        l.Phone,
			Persona:      req.Persona,
			Lane:         req.Lane,
			BasePriority: req.BasePriority,
			Tags:         req.Tags,
		})
	}
	res, err := h.service.EnqueueBatch(c.UserContext(), tenantOf(c), reqs)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, res)
}

// =============================================================================
// Queries
// =============================================================================

func (h *CallQueueHandler) List(c *fiber.Ctx) error {
	page := response.GetPagination(c, 50, 500)
	filter := domain.ItemFilter{
		LeadID:  c.Query("lead_id"),
		DueOnly: c.QueryBool("due", false),
		Limit:   page.Limit,
		Offset:  page.Offset,
	}
	if p := c.Query("persona"); p != "" {
		persona, ok := domain.ParsePersona(p)
		if !ok {
			return fail(c, apperr.InvalidPersona(p))
		}
		filter.Persona = persona
	}
	if l := c.Query("lane"); l != "" {
		filter.Lane = domain.ParseLane(l)
	}
	if s := c.Query("status"); s != "" {
		status, ok := domain.ParseItemStatus(s)
		if !ok {
			return fail(c, apperr.InvalidField("status", "unknown status"))
		}
		filter.Status = status
	}

	items, total, err := h.service.List(c.UserContext(), tenantOf(c), filter)
	if err != nil {
		return fail(c, err)
	}
	return response.OKWithMeta(c, items, response.NewMeta(total, page.Limit, page.Offset))
}

func (h *CallQueueHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.UserContext(), tenantOf(c))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, stats)
}

// Next previews the item a persona would be handed, without claiming it.
func (h *CallQueueHandler) Next(c *fiber.Ctx) error {
	item, err := h.service.Peek(c.UserContext(), tenantOf(c), c.Query("persona"), c.Query("lane"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, fiber.Map{"item": item})
}

func (h *CallQueueHandler) Get(c *fiber.Ctx) error {
	item, err := h.service.Get(c.UserContext(), tenantOf(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, item)
}

// =============================================================================
// Assistant sessions
// =============================================================================

type laneRequest struct {
	Lane string `json:"campaign_lane"`
}

func (h *CallQueueHandler) ListAssistants(c *fiber.Ctx) error {
	states, err := h.service.ListAssistants(c.UserContext(), tenantOf(c))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, states)
}

func (h *CallQueueHandler) GetAssistant(c *fiber.Ctx) error {
	view, err := h.service.GetAssistant(c.UserContext(), tenantOf(c), c.Params("persona"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, view)
}

func (h *CallQueueHandler) StartAssistant(c *fiber.Ctx) error {
	var req laneRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	view, err := h.service.StartAssistant(c.UserContext(), tenantOf(c), c.Params("persona"), req.Lane)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, view)
}

func (h *CallQueueHandler) StopAssistant(c *fiber.Ctx) error {
	view, err := h.service.StopAssistant(c.UserContext(), tenantOf(c), c.Params("persona"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, view)
}

func (h *CallQueueHandler) Advance(c *fiber.Ctx) error {
	var req callqueue.AdvanceRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	view, err := h.service.Advance(c.UserContext(), tenantOf(c), c.Params("persona"), &req)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, view)
}

func (h *CallQueueHandler) SwitchLane(c *fiber.Ctx) error {
	var req laneRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if strings.TrimSpace(req.Lane) == "" {
		return fail(c, apperr.MissingField("campaign_lane"))
	}
	view, err := h.service.SwitchLane(c.UserContext(), tenantOf(c), c.Params("persona"), req.Lane)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, view)
}

func (h *CallQueueHandler) ResetAssistant(c *fiber.Ctx) error {
	if err := h.service.ResetAssistant(c.UserContext(), tenantOf(c), c.Params("persona")); err != nil {
		return fail(c, err)
	}
	return response.OK(c, fiber.Map{"reset": true})
}

// =============================================================================
// Single item controls
// =============================================================================

type claimRequest struct {
	Persona string `json:"persona"`
	Lane    string `json:"campaign_lane"`
}

func (h *CallQueueHandler) ClaimNext(c *fiber.Ctx) error {
	var req claimRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	item, err := h.service.ClaimNext(c.UserContext(), tenantOf(c), req.Persona, req.Lane)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, fiber.Map{"item": item})
}

func (h *CallQueueHandler) Start(c *fiber.Ctx) error {
	item, err := h.service.ClaimItem(c.UserContext(), tenantOf(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, item)
}

func (h *CallQueueHandler) Complete(c *fiber.Ctx) error {
	var req callqueue.CompleteRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	item, err := h.service.Complete(c.UserContext(), tenantOf(c), c.Params("id"), &req)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, item)
}

func (h *CallQueueHandler) Reschedule(c *fiber.Ctx) error {
	var req callqueue.RescheduleRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	item, err := h.service.Reschedule(c.UserContext(), tenantOf(c), c.Params("id"), &req)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, item)
}

func (h *CallQueueHandler) Skip(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	item, err := h.service.Skip(c.UserContext(), tenantOf(c), c.Params("id"), req.Reason)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, item)
}

func (h *CallQueueHandler) Dial(c *fiber.Ctx) error {
	item, err := h.service.Dial(c.UserContext(), tenantOf(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, item)
}

// CallStatus receives status callbacks from the telephony collaborator.
func (h *CallQueueHandler) CallStatus(c *fiber.Ctx) error {
	var req callqueue.CallStatusUpdate
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	item, err := h.service.HandleCallStatus(c.UserContext(), tenantOf(c), &req)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, item)
}

// =============================================================================
// Removal
// =============================================================================

func removed(c *fiber.Ctx, n int, err error) error {
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, fiber.Map{"removed": n})
}

func (h *CallQueueHandler) Remove(c *fiber.Ctx) error {
	n, err := h.service.Remove(c.UserContext(), tenantOf(c), c.Params("id"))
	if err == nil && n == 0 {
		err = apperr.NotFound("queue item")
	}
	return removed(c, n, err)
}

func (h *CallQueueHandler) RemoveByLead(c *fiber.Ctx) error {
	n, err := h.service.RemoveByLead(c.UserContext(), tenantOf(c), c.Params("leadId"))
	return removed(c, n, err)
}

func (h *CallQueueHandler) ClearCompleted(c *fiber.Ctx) error {
	n, err := h.service.ClearCompleted(c.UserContext(), tenantOf(c))
	return removed(c, n, err)
}

func (h *CallQueueHandler) ClearPersona(c *fiber.Ctx) error {
	n, err := h.service.ClearPersona(c.UserContext(), tenantOf(c), c.Params("persona"))
	return removed(c, n, err)
}
