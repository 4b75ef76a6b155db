package kpi

import (
	"math"
	"strings"
	"time"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

const (
	defaultDaysSinceStart = 100
	maxEstimatedProgress  = 95
	milestoneWeight       = 2
)

// siteMultiplier scales estimated progress by project type
func siteMultiplier(siteType string) float64 {
	t := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(siteType))
	switch {
	case strings.Contains(t, model.SiteTypeHighRise), strings.Contains(t, model.SiteTypeComplex):
		return 0.8
	case strings.Contains(t, model.SiteTypeRenovation):
		return 1.2
	}
	return 1.0
}

// daysSince returns whole days between start and now, or the default when
// the start date is unknown.
func daysSince(start *time.Time, now time.Time) int {
	if start == nil || start.IsZero() {
		return defaultDaysSinceStart
	}
	days := int(now.Sub(*start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// CalculateProgressMetrics estimates completion from milestone events. site
// may be nil.
func CalculateProgressMetrics(events []model.Event, site *model.Site, now time.Time) model.ProgressMetrics {
	var milestones []time.Time
	for i := range events {
		e := &events[i]
		if e.DetectionType == model.DetectionProgressMilestone && !e.Timestamp.IsZero() {
			milestones = append(milestones, e.Timestamp)
		}
	}
	if len(milestones) == 0 {
		return model.ProgressMetrics{Trend: model.TrendStable}
	}

	var start *time.Time
	siteType := ""
	if site != nil {
		start = site.StartDate
		siteType = site.Type
	}
	days := daysSince(start, now)

	perDay := float64(len(milestones)) / math.Max(1, float64(days))
	estimated := math.Min(maxEstimatedProgress, perDay*float64(days)*milestoneWeight)
	estimated = clamp(estimated*siteMultiplier(siteType), 0, 100)

	recent, previous := 0, 0
	recentFrom := now.Add(-TrendWindow)
	previousFrom := now.Add(-2 * TrendWindow)
	for _, ts := range milestones {
		switch {
		case !ts.Before(recentFrom):
			recent++
		case !ts.Before(previousFrom):
			previous++
		}
	}

	trend := model.TrendStable
	if recent > previous {
		trend = model.TrendImproving
	} else if recent < previous {
		trend = model.TrendDeclining
	}

	return model.ProgressMetrics{
		Completion:       int(math.Round(estimated)),
		Milestones:       len(milestones),
		RecentMilestones: recent,
		Trend:            trend,
	}
}
