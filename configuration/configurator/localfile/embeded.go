package localfile

import (
	"context"
	_ "embed"
	"errors"

	"github.com/noxiouz/coredumpd/configuration"
	"github.com/noxiouz/coredumpd/configuration/configurator"
)

func init() {
	configurator.Register("embed", configurator.FactoryFunc(NewEmbedded))
}

//go:embed config_sample.yaml
var configSample []byte

type Embedded struct{}

func (Embedded) Get(ctx context.Context) (*configuration.Config, error) {
	return configuration.Parse(configSample)
}

func NewEmbedded(path string) (configurator.Configurator, error) {
	if len(configSample) == 0 {
		return nil, errors.New("embedded config is empty")
	}
	return Embedded{}, nil
}
