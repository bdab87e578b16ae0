package worker

import (
	"context"
	"errors"

	"engage_server/core/domain"
	in "engage_server/core/port/in"
	"engage_server/pkg/apperr"
	"engage_server/pkg/logger"
)

// ErrPermanent marks a job that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Handler routes messages to processors by job type.
type Handler struct {
	inbound *InboundProcessor
}

func NewHandler(inbound *InboundProcessor) *Handler {
	return &Handler{inbound: inbound}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case JobInbound:
		return h.inbound.Process(ctx, msg)
	default:
		logger.Warn("[worker] unknown job type: %s", msg.Type)
		return ErrPermanent
	}
}

// InboundProcessor runs queued inbound messages through the pipeline.
type InboundProcessor struct {
	service in.InboundService
}

func NewInboundProcessor(service in.InboundService) *InboundProcessor {
	return &InboundProcessor{service: service}
}

// Process returns ErrPermanent for payloads that can never succeed; storage and
// integration failures come back as-is so the entry stays pending and is retried.
func (p *InboundProcessor) Process(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[domain.InboundMessage](msg)
	if err != nil {
		logger.WithError(err).Warn("[worker] undecodable inbound payload %s", msg.ID)
		return ErrPermanent
	}

	ctx = logger.WithTenantID(ctx, payload.TenantID)
	ctx = logger.WithLeadID(ctx, payload.LeadID)

	res, err := p.service.Process(ctx, payload)
	if err != nil {
		if apperr.AsAppError(err).Retryable() {
			return err
		}
		logger.WithContext(ctx).WithError(err).Warn("[worker] inbound %s rejected", msg.ID)
		return ErrPermanent
	}

	if res.Duplicate {
		logger.WithContext(ctx).Debug("[worker] inbound %s already processed", msg.ID)
	}
	return nil
}


