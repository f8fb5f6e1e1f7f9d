package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/meshnetlab/meshbridge/internal/config"
	"github.com/meshnetlab/meshbridge/internal/domain"
	"github.com/meshnetlab/meshbridge/internal/radio"
)

// ScriptRunner executes a user script and returns the response lines its
// stdout produced. The gateway core stays ignorant of process mechanics.
type ScriptRunner interface {
	Responses(ctx context.Context, script string, env map[string]string) ([]string, error)
}

// AutoResponder matches incoming text against configured triggers and replies
// with a static message or the output of a user script. Trigger patterns may
// capture {param} placeholders which become environment variables.
type AutoResponder struct {
	logger   *slog.Logger
	queue    *SendQueue
	scripts  ScriptRunner
	triggers []compiledTrigger
	env      func() map[string]string
}

type compiledTrigger struct {
	cfg     config.ResponderConfig
	pattern *regexp.Regexp
	params  []string
}

func NewAutoResponder(logger *slog.Logger, cfgs []config.ResponderConfig, queue *SendQueue, scripts ScriptRunner, baseEnv func() map[string]string) (*AutoResponder, error) {
	r := &AutoResponder{
		logger:  logger.With("component", "responder"),
		queue:   queue,
		scripts: scripts,
		env:     baseEnv,
	}
	for _, cfg := range cfgs {
		trigger, err := compileTrigger(cfg)
		if err != nil {
			return nil, fmt.Errorf("responder trigger %q: %w", cfg.Trigger, err)
		}
		r.triggers = append(r.triggers, trigger)
	}

	return r, nil
}

var paramPlaceholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compileTrigger turns "!weather {city}" into an anchored case-insensitive
// regexp with one capture group per placeholder.
func compileTrigger(cfg config.ResponderConfig) (compiledTrigger, error) {
	var params []string
	var pattern strings.Builder
	pattern.WriteString(`(?i)^`)

	rest := cfg.Trigger
	for {
		loc := paramPlaceholder.FindStringSubmatchIndex(rest)
		if loc == nil {
			pattern.WriteString(regexp.QuoteMeta(rest))

			break
		}
		pattern.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		pattern.WriteString(`(\S+)`)
		params = append(params, rest[loc[2]:loc[3]])
		rest = rest[loc[1]:]
	}
	pattern.WriteString(`\s*$`)

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return compiledTrigger{}, err
	}

	return compiledTrigger{cfg: cfg, pattern: re, params: params}, nil
}

// HandleText runs the first matching trigger against one incoming message.
// Returns true when a trigger matched.
func (r *AutoResponder) HandleText(ctx context.Context, info *radio.PacketInfo, text string, channel int) bool {
	if r == nil {
		return false
	}
	for _, trigger := range r.triggers {
		match := trigger.pattern.FindStringSubmatch(strings.TrimSpace(text))
		if match == nil {
			continue
		}
		r.respond(ctx, trigger, match[1:], info, channel)

		return true
	}

	return false
}

func (r *AutoResponder) respond(ctx context.Context, trigger compiledTrigger, captures []string, info *radio.PacketInfo, channel int) {
	replyChannel := trigger.cfg.Channel
	if replyChannel == domain.DirectMessageChannel {
		replyChannel = channel
	}
	to := info.From
	if replyChannel >= 0 {
		to = domain.BroadcastNodeNum
	}

	var responses []string
	switch {
	case trigger.cfg.Script != "":
		env := map[string]string{}
		if r.env != nil {
			for k, v := range r.env() {
				env[k] = v
			}
		}
		env["MSG_TEXT"] = strings.TrimSpace(string(info.Payload))
		env["MSG_FROM"] = domain.FormatNodeNum(info.From)
		env["MSG_CHANNEL"] = fmt.Sprintf("%d", channel)
		for i, name := range trigger.params {
			if i < len(captures) {
				env["MSG_PARAM_"+strings.ToUpper(name)] = captures[i]
			}
		}
		out, err := r.scripts.Responses(ctx, trigger.cfg.Script, env)
		if err != nil {
			r.logger.Error("Responder script failed", "script", trigger.cfg.Script, "error", err)

			return
		}
		responses = out
	case trigger.cfg.Response != "":
		responses = []string{trigger.cfg.Response}
	default:
		return
	}

	if trigger.cfg.Suppress {
		r.logger.Debug("Responder matched with suppressed output", "trigger", trigger.cfg.Trigger)

		return
	}

	for _, text := range responses {
		if strings.TrimSpace(text) == "" {
			continue
		}
		err := r.queue.Enqueue(QueuedSend{
			Text:        text,
			To:          to,
			Channel:     replyChannel,
			ReplyID:     info.ID,
			MaxAttempts: 1,
		})
		if err != nil {
			r.logger.Warn("Failed to queue responder reply", "trigger", trigger.cfg.Trigger, "error", err)
		}
	}
}
