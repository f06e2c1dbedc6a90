package notify

import (
	"log/slog"

	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
)

// FromConfig fans out to every configured channel. With none configured
// alerts are dropped.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	var notifiers []Notifier

	if cfg.PushoverUserKey != "" && cfg.PushoverAPIToken != "" {
		p, err := NewPushoverNotifier(cfg.PushoverURL, cfg.PushoverAPIToken, cfg.PushoverUserKey)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, p)
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhookURL))
	}

	switch len(notifiers) {
	case 0:
		logger.Warn("no notifier configured, alerts will only be logged")
		return NoopNotifier{}, nil
	case 1:
		return notifiers[0], nil
	default:
		return NewMultiNotifier(notifiers...), nil
	}
}
