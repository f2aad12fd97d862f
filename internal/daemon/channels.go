package daemon

import (
	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/config"
)

// BuildChannel assembles the configured transports. Several channels fan
// out through Multi; none at all gets the in-process script channel so an
// attended run still records its prompts.
func BuildChannel(cfg config.Config, logger *zap.Logger) (channel.Channel, error) {
	reg := channel.NewRegistry()
	if err := reg.Register("telegram", func(section map[string]string) (channel.Channel, error) {
		return channel.NewTelegram(section, logger)
	}); err != nil {
		return nil, err
	}
	if err := reg.Register("script", func(map[string]string) (channel.Channel, error) {
		return channel.NewScriptChannel(), nil
	}); err != nil {
		return nil, err
	}

	var subs []channel.Channel
	for name, section := range cfg.Channels {
		ch, err := reg.Build(name, section)
		if err != nil {
			return nil, err
		}
		subs = append(subs, ch)
	}
	switch len(subs) {
	case 0:
		return channel.NewScriptChannel(), nil
	case 1:
		return subs[0], nil
	default:
		return channel.NewMulti(logger, subs...)
	}
}
