package http

import (
	"strings"
	"time"

	"engage_server/core/domain"
	in "engage_server/core/port/in"
	"engage_server/core/port/out"
	"engage_server/core/service/labeling"
	"engage_server/core/service/scoring"
	"engage_server/pkg/apperr"
	"engage_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// EngagementHandler serves inbound processing, labels, scores, threads and snapshots
type EngagementHandler struct {
	inbound   in.InboundService
	publisher out.InboundPublisher
	labels    in.LabelService
	scores    in.ScoringService
	threads   in.ThreadService
	snapshots in.SnapshotService
}

type EngagementDeps struct {
	Inbound   in.InboundService
	Publisher out.InboundPublisher // optional, enables ?async=true
	Labels    in.LabelService
	Scores    in.ScoringService
	Threads   in.ThreadService
	Snapshots in.SnapshotService
}

func NewEngagementHandler(deps EngagementDeps) *EngagementHandler {
	return &EngagementHandler{
		inbound:   deps.Inbound,
		publisher: deps.Publisher,
		labels:    deps.Labels,
		scores:    deps.Scores,
		threads:   deps.Threads,
		snapshots: deps.Snapshots,
	}
}

// Register registers engagement routes
func (h *EngagementHandler) Register(router fiber.Router) {
	// Detection is pure and needs no tenant.
	router.Post("/labels/detect", h.Detect)

	t := RequireTenant()

	router.Post("/inbound", t, h.Inbound)
	router.Post("/labels/apply", t, h.ApplyLabels)

	router.Get("/scores/:leadId", t, h.GetScore)
	router.Post("/scores/batch", t, h.ScoreBatch)
	router.Post("/scores/compute", t, h.ComputeScore)
	router.Delete("/scores/:leadId", t, h.InvalidateScore)

	router.Post("/threads/resolve", t, h.ResolveThreads)
	router.Post("/threads/:id/resolve", t, h.ResolveThread)

	router.Post("/snapshots", t, h.CaptureSnapshot)
	router.Get("/snapshots/labeled", t, h.LabeledSnapshots)
	router.Get("/snapshots/leads/:leadId", t, h.LeadSnapshots)
	router.Post("/snapshots/leads/:leadId/outcome", t, h.LabelOutcome)
}

// =============================================================================
// Inbound and labels
// =============================================================================

// Inbound runs a received message through the pipeline, or queues it when async=true.
func (h *EngagementHandler) Inbound(c *fiber.Ctx) error {
	var msg domain.InboundMessage
	if err := bind(c, &msg); err != nil {
		return fail(c, err)
	}
	msg.TenantID = tenantOf(c)

	if c.QueryBool("async", false) {
		if h.publisher == nil {
			return fail(c, apperr.Validation("async ingestion is not enabled"))
		}
		if strings.TrimSpace(msg.LeadID) == "" {
			return fail(c, apperr.MissingField("lead_id"))
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}
		id, err := h.publisher.PublishInbound(c.UserContext(), &msg)
		if err != nil {
			return fail(c, apperr.Transient("inbound stream", err))
		}
		return c.Status(fiber.StatusAccepted).JSON(response.Response{
			Success:   true,
			Data:      fiber.Map{"queued": true, "stream_id": id},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}

	res, err := h.inbound.Process(c.UserContext(), &msg)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, res)
}

type detectRequest struct {
	Text         string `json:"text"`
	SenderPhone  string `json:"sender_phone"`
	LeadHasPhone bool   `json:"lead_has_phone"`
}

func (h *EngagementHandler) Detect(c *fiber.Ctx) error {
	var req detectRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	return response.OK(c, labeling.Detect(labeling.DetectInput{
		Text:         req.Text,
		SenderPhone:  req.SenderPhone,
		LeadHasPhone: req.LeadHasPhone,
	}))
}

type applyLabelsRequest struct {
	LeadID string   `json:"lead_id"`
	Labels []string `json:"labels"`
}

func (h *EngagementHandler) ApplyLabels(c *fiber.Ctx) error {
	var req applyLabelsRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	labels, err := domain.ParseLabels(req.Labels)
	if err != nil {
		return fail(c, apperr.InvalidField("labels", err.Error()))
	}
	res, err := h.labels.Apply(c.UserContext(), tenantOf(c), req.LeadID, labels)
	if err != nil {
		return fail(c, err)
	}
	if res.Applied && h.scores != nil {
		// Failures are logged by the scoring service; a stale entry is also bypassed on suppression.
		_ = h.scores.Invalidate(c.UserContext(), tenantOf(c), req.LeadID)
	}
	return response.OK(c, res)
}

// =============================================================================
// Scores
// =============================================================================

func (h *EngagementHandler) GetScore(c *fiber.Ctx) error {
	score, err := h.scores.GetScore(c.UserContext(), tenantOf(c), c.Params("leadId"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, score)
}

type scoreBatchRequest struct {
	LeadIDs []string `json:"lead_ids"`

	// Optional views over the computed scores.
	Filter    string `json:"filter"` // high_priority | sms | pivot
	Threshold int    `json:"threshold"`
}

func (h *EngagementHandler) ScoreBatch(c *fiber.Ctx) error {
	var req scoreBatchRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if len(req.LeadIDs) == 0 {
		return fail(c, apperr.MissingField("lead_ids"))
	}
	scores, failures := h.scores.ComputeScores(c.UserContext(), tenantOf(c), req.LeadIDs)

	switch req.Filter {
	case "":
	case "high_priority":
		threshold := req.Threshold
		if threshold <= 0 {
			threshold = h.scores.Engine().Config().Thresholds.QueueForCall
		}
		scores = scoring.FilterHighPriority(scores, threshold)
	case "sms":
		scores = h.scores.Engine().FilterForSMS(scores)
	case "pivot":
		scores = scoring.FilterToPivot(scores)
	default:
		return fail(c, apperr.InvalidField("filter", "expected high_priority, sms or pivot"))
	}

	return response.OK(c, fiber.Map{"scores": scores, "failures": failures})
}

type computeRequest struct {
	LeadID      string           `json:"lead_id"`
	Signals     []*domain.Signal `json:"signals"`
	Labels      []string         `json:"labels"`
	Suppressed  bool             `json:"suppressed"`
	TouchCount  int              `json:"touch_count"`
	LastTouchAt *time.Time       `json:"last_touch_at"`
}

// ComputeScore scores a caller-supplied history without touching storage.
func (h *EngagementHandler) ComputeScore(c *fiber.Ctx) error {
	var req computeRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	labels, err := domain.ParseLabels(req.Labels)
	if err != nil {
		return fail(c, apperr.InvalidField("labels", err.Error()))
	}
	score, err := h.scores.Compute(domain.ScoreInput{
		TenantID:    tenantOf(c),
		LeadID:      req.LeadID,
		Signals:     req.Signals,
		Labels:      labels,
		Suppressed:  req.Suppressed,
		TouchCount:  req.TouchCount,
		LastTouchAt: req.LastTouchAt,
	})
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, score)
}

func (h *EngagementHandler) InvalidateScore(c *fiber.Ctx) error {
	if err := h.scores.Invalidate(c.UserContext(), tenantOf(c), c.Params("leadId")); err != nil {
		return fail(c, apperr.Transient("score cache", err))
	}
	return response.OK(c, fiber.Map{"invalidated": true})
}

// =============================================================================
// Threads
// =============================================================================

type resolveThreadRequest struct {
	CapturedEmail string `json:"captured_email"`
	CapturedPhone string `json:"captured_phone"`
}

func (h *EngagementHandler) ResolveThread(c *fiber.Ctx) error {
	var req resolveThreadRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	res, err := h.threads.EvaluateByID(c.UserContext(), tenantOf(c), c.Params("id"), domain.CapturedData{
		Email: req.CapturedEmail,
		Phone: req.CapturedPhone,
	})
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, res)
}

func (h *EngagementHandler) ResolveThreads(c *fiber.Ctx) error {
	var req struct {
		ThreadIDs []string `json:"thread_ids"`
	}
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if len(req.ThreadIDs) == 0 {
		return fail(c, apperr.MissingField("thread_ids"))
	}
	res, err := h.threads.EvaluateMany(c.UserContext(), tenantOf(c), req.ThreadIDs)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, res)
}

// =============================================================================
// Snapshots
// =============================================================================

type captureRequest struct {
	LeadID        string             `json:"lead_id"`
	Trigger       string             `json:"trigger"`
	CampaignID    string             `json:"campaign_id"`
	CampaignBlock int                `json:"campaign_block"`
	TemplateUsed  string             `json:"template_used"`
	LeadScore     *int               `json:"lead_score"`
	TouchNumber   int                `json:"touch_number"`
	ReplyIntent   string             `json:"reply_intent"`
	FromState     string             `json:"from_state"`
	ToState       string             `json:"to_state"`
	Reason        string             `json:"reason"`
	Metrics       map[string]float64 `json:"metrics"`
}

// CaptureSnapshot records a snapshot on demand. Capture never fails the request;
// a dropped snapshot is reported as captured=false.
func (h *EngagementHandler) CaptureSnapshot(c *fiber.Ctx) error {
	var req captureRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if strings.TrimSpace(req.LeadID) == "" {
		return fail(c, apperr.MissingField("lead_id"))
	}
	trigger, ok := domain.ParseSnapshotTrigger(req.Trigger)
	if !ok {
		return fail(c, apperr.InvalidField("trigger", "unknown trigger"))
	}

	ctx, tenant := c.UserContext(), tenantOf(c)
	sctx := domain.SnapshotContext{CampaignID: req.CampaignID, TemplateUsed: req.TemplateUsed, LeadScore: req.LeadScore}

	var snap *domain.FeatureSnapshot
	switch trigger {
	case domain.TriggerPreSend:
		snap = h.snapshots.CapturePreSend(ctx, tenant, req.LeadID, sctx, req.TouchNumber)
	case domain.TriggerPostReply:
		snap = h.snapshots.CapturePostReply(ctx, tenant, req.LeadID, req.ReplyIntent, sctx)
	case domain.TriggerStateChange:
		snap = h.snapshots.CaptureStateChange(ctx, tenant, req.LeadID, req.FromState, req.ToState, sctx)
	case domain.TriggerMilestone:
		snap = h.snapshots.CaptureMilestone(ctx, tenant, req.LeadID, req.CampaignID, req.CampaignBlock, req.Metrics)
	default:
		snap = h.snapshots.CaptureManual(ctx, tenant, req.LeadID, req.Reason)
	}
	return response.OK(c, fiber.Map{"captured": snap != nil, "snapshot": snap})
}

func (h *EngagementHandler) LeadSnapshots(c *fiber.Ctx) error {
	snaps, err := h.snapshots.LeadSnapshots(c.UserContext(), tenantOf(c), c.Params("leadId"))
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, snaps)
}

func (h *EngagementHandler) LabeledSnapshots(c *fiber.Ctx) error {
	filter := domain.SnapshotFilter{Limit: c.QueryInt("limit", 1000)}
	if t := c.Query("trigger"); t != "" {
		trigger, ok := domain.ParseSnapshotTrigger(t)
		if !ok {
			return fail(c, apperr.InvalidField("trigger", "unknown trigger"))
		}
		filter.Trigger = trigger
	}
	if o := c.Query("outcome"); o != "" {
		outcome, ok := domain.ParseSnapshotOutcome(o)
		if !ok {
			return fail(c, apperr.InvalidField("outcome", "unknown outcome"))
		}
		filter.Outcome = outcome
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fail(c, apperr.InvalidField("since", "expected RFC3339"))
		}
		filter.Since = since
	}
	snaps, err := h.snapshots.LabeledSnapshots(c.UserContext(), tenantOf(c), filter)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, snaps)
}

func (h *EngagementHandler) LabelOutcome(c *fiber.Ctx) error {
	var req struct {
		Outcome   string     `json:"outcome"`
		OutcomeAt *time.Time `json:"outcome_at"`
	}
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	n, err := h.snapshots.LabelOutcome(c.UserContext(), tenantOf(c), c.Params("leadId"), domain.SnapshotOutcome(req.Outcome), req.OutcomeAt)
	if err != nil {
		return fail(c, err)
	}
	return response.OK(c, fiber.Map{"labeled": n})
}
