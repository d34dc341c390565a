package quickstart

import (
	"context"
	"fmt"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/mirror"
	"github.com/danmuck/blocksync/internal/spec"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Plan is the outcome of a wizard: existing blocks to save first, then new
// blocks to create.
type Plan struct {
	ServiceID string
	Changed   []blocks.Block
	Created   []blocks.Block
}

// Writer is the part of the registry a plan is applied through.
type Writer interface {
	Save(ctx context.Context, b blocks.Block) (blocks.Block, error)
	Create(ctx context.Context, b blocks.Block) (blocks.Block, error)
	ServiceState(id string) mirror.State
}

// Result lists the ids that were written before Apply returned.
type Result struct {
	Changed []string
	Created []string
}

// Apply saves the changed blocks and creates the new ones in order. The
// service must be active in w; the registry drops writes for services it
// does not mirror. Apply stops at the first failure and Result reports what
// was already written.
func Apply(ctx context.Context, w Writer, plan Plan) (Result, error) {
	var res Result
	opID := ulid.Make().String()
	if err := requireActive(w, plan.ServiceID); err != nil {
		log.Warn().Str("op_id", opID).Msgf("quickstart.Apply refused service_id=%q err=%v", plan.ServiceID, err)
		return res, fmt.Errorf("quickstart: %w", err)
	}
	for _, b := range plan.Changed {
		out, err := w.Save(ctx, b)
		if err == nil && out.ID == "" {
			err = dropped(w, plan.ServiceID)
		}
		if err != nil {
			log.Warn().Str("op_id", opID).Msgf("quickstart.Apply save failed service_id=%q id=%q err=%v", plan.ServiceID, b.ID, err)
			return res, fmt.Errorf("quickstart: save %s/%s: %w", plan.ServiceID, b.ID, err)
		}
		res.Changed = append(res.Changed, b.ID)
	}
	for _, b := range plan.Created {
		out, err := w.Create(ctx, b)
		if err == nil && out.ID == "" {
			err = dropped(w, plan.ServiceID)
		}
		if err != nil {
			log.Warn().Str("op_id", opID).Msgf("quickstart.Apply create failed service_id=%q id=%q created=%d err=%v", plan.ServiceID, b.ID, len(res.Created), err)
			return res, fmt.Errorf("quickstart: create %s/%s: %w", plan.ServiceID, b.ID, err)
		}
		res.Created = append(res.Created, b.ID)
	}
	log.Info().Str("op_id", opID).Msgf("quickstart.Apply ok service_id=%q changed=%d created=%d", plan.ServiceID, len(res.Changed), len(res.Created))
	return res, nil
}

func requireActive(w Writer, serviceID string) error {
	if st := w.ServiceState(serviceID); st != mirror.StateActive {
		return &blocks.StateError{ServiceID: serviceID, State: string(st), Op: "quickstart"}
	}
	return nil
}

// dropped reports a write the registry discarded because the service left
// while the plan was being applied.
func dropped(w Writer, serviceID string) error {
	return &blocks.StateError{ServiceID: serviceID, State: string(w.ServiceState(serviceID)), Op: "quickstart"}
}

// UnlinkActuators returns copies of the digital actuators driving any of
// pins, with their hardware link cleared.
func UnlinkActuators(existing []blocks.Block, pins []Pin) []blocks.Block {
	var out []blocks.Block
	for _, b := range existing {
		if b.Type != spec.TypeDigitalActuator {
			continue
		}
		hw, ok := blocks.ParseLink(b.Data["hwDevice"])
		if !ok || hw.IsNull() {
			continue
		}
		channel, _ := b.Data["channel"].(float64)
		for _, p := range pins {
			if hw.Target() == p.ArrayID && int(channel) == p.Channel {
				next := b.Clone()
				next.Data["hwDevice"] = blocks.NullLink(hw.Type).Value()
				next.Data["channel"] = 0.0
				out = append(out, next)
				break
			}
		}
	}
	return out
}
