package filter

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// Score returns the intent's relevance in [0,1] with the current rules.
func (e *Engine) Score(ctx context.Context, in *notify.Intent) float64 {
	return e.score(ctx, e.config(), in, e.clock.Now())
}

func (e *Engine) score(ctx context.Context, cfg Config, in *notify.Intent, now time.Time) float64 {
	kind := in.Kind()
	s, ok := cfg.Weights[kind]
	if !ok {
		s = neutralScore
	}

	if e.eng != nil {
		eng, found, err := e.eng.Engagement(ctx, in.UserID)
		if err != nil {
			e.log.Warn("engagement lookup failed", logx.String("user", in.UserID), logx.Err(err))
			return neutralScore
		}
		if found {
			if eng.Favors(kind) {
				s *= engagementBoost
			}
			s += (eng.OpenRate - 0.5) * openRateWeight
		}
	}

	for key, mult := range cfg.Multipliers[kind] {
		if v, _ := strconv.ParseBool(in.Metadata[key]); v {
			s *= mult
		}
	}

	if sender := in.SenderID(); sender != "" {
		rep := cfg.DefaultReputation
		if e.rep != nil {
			r, found, err := e.rep.Reputation(ctx, sender)
			if err != nil {
				e.log.Warn("reputation lookup failed", logx.String("sender", sender), logx.Err(err))
				return neutralScore
			}
			if found {
				rep = r
			}
		}
		s *= rep
	}

	s *= ageDecay(now.Sub(in.CreatedAt))

	if math.IsNaN(s) || math.IsInf(s, 0) {
		return neutralScore
	}
	return min(max(s, 0), 1)
}

func ageDecay(age time.Duration) float64 {
	switch {
	case age >= 24*time.Hour:
		return 0.5
	case age >= 6*time.Hour:
		return 0.8
	case age >= time.Hour:
		return 0.9
	default:
		return 1
	}
}
