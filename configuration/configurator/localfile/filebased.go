package localfile

import (
	"context"
	"os"

	"github.com/noxiouz/coredumpd/configuration"
	"github.com/noxiouz/coredumpd/configuration/configurator"
)

func init() {
	configurator.Register("file", configurator.FactoryFunc(NewFileBased))
}

type fileConfigurator struct {
	path string
}

func (f fileConfigurator) Get(ctx context.Context) (*configuration.Config, error) {
	body, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	return configuration.Parse(body)
}

func NewFileBased(path string) (configurator.Configurator, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return fileConfigurator{path}, nil
}
