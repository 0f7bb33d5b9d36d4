package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/models"
)

// EventSink persists gateway events
type EventSink interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// WaitHostAssociated blocks until the authority knows this gateway.
// PENDING is confirmed on the spot, UNASSOCIATED is re-checked every
// interval, UNKNOWN (or an unreachable authority) lets the gateway start.
func WaitHostAssociated(ctx context.Context, svc authority.Service, interval time.Duration, events EventSink) (models.AssocState, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		state, err := svc.GetHostAssocState(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("无法查询网关关联状态，继续启动")
			return models.AssocUnknown, nil
		}

		switch state {
		case models.AssocAssociated:
			log.Info().Msg("网关已关联")
			return state, nil

		case models.AssocPending:
			if err := svc.ConfirmHostAssoc(ctx); err != nil {
				log.Warn().Err(err).Msg("确认网关关联失败，继续启动")
				return state, nil
			}
			log.Info().Msg("网关关联已确认")
			if events != nil {
				ev := &models.EventLog{
					Type:        models.EventTypeHostConfirmed,
					Level:       models.EventLevelInfo,
					Description: "host association confirmed",
				}
				if err := events.CreateEventLog(ctx, ev); err != nil {
					log.Warn().Err(err).Msg("记录事件失败")
				}
			}
			return models.AssocAssociated, nil

		case models.AssocUnassociated:
			log.Warn().Dur("retry_in", interval).Msg("网关尚未关联，等待关联")
			select {
			case <-ctx.Done():
				return state, ctx.Err()
			case <-time.After(interval):
			}

		default:
			log.Warn().Str("state", string(state)).Msg("网关关联状态未知，继续启动")
			return state, nil
		}
	}
}
