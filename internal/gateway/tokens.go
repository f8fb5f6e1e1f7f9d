package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenContext supplies values for placeholder expansion in user-authored
// strings (announce messages, welcomes, timers, responder replies).
type TokenContext struct {
	LongName    string
	ShortName   string
	Hops        int
	SNR         float64
	RSSI        int
	Channel     int
	Transport   string
	Duration    time.Duration
	NodeCount   int
	DirectCount int
	IP          string
	Port        int
	Version     string
	Features    []string
	Now         time.Time
}

// ExpandTokens substitutes {TOKEN} placeholders. Unknown placeholders are
// left untouched so typos stay visible to the operator.
func ExpandTokens(s string, ctx TokenContext) string {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	replacer := strings.NewReplacer(
		"{LONG_NAME}", ctx.LongName,
		"{SHORT_NAME}", ctx.ShortName,
		"{HOPS}", strconv.Itoa(ctx.Hops),
		"{SNR}", trimFloat(ctx.SNR),
		"{RSSI}", strconv.Itoa(ctx.RSSI),
		"{CHANNEL}", strconv.Itoa(ctx.Channel),
		"{TRANSPORT}", ctx.Transport,
		"{DURATION}", formatDuration(ctx.Duration),
		"{NODECOUNT}", strconv.Itoa(ctx.NodeCount),
		"{DIRECTCOUNT}", strconv.Itoa(ctx.DirectCount),
		"{TIME}", now.Format("15:04"),
		"{DATE}", now.Format("2006-01-02"),
		"{IP}", ctx.IP,
		"{PORT}", strconv.Itoa(ctx.Port),
		"{VERSION}", ctx.Version,
		"{FEATURES}", strings.Join(ctx.Features, ", "),
	)

	return replacer.Replace(s)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	d = d.Round(time.Minute)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours >= 24 {
		days := hours / 24
		hours %= 24

		return fmt.Sprintf("%dd%dh", days, hours)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}

	return fmt.Sprintf("%dm", minutes)
}
