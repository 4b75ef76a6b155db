package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCameraInterval = 30 * time.Second
	DefaultEventInterval  = 10 * time.Second
	DefaultAlertInterval  = 15 * time.Second

	jobRunTimeout = 5 * time.Minute
)

// cronParser accepts six-field expressions and descriptors such as "@every 1m"
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)
