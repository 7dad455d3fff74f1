package cli

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

type CLI interface {
	GetViper() *viper.Viper
	GetFS() afero.Fs
}

type TestContentCLI struct {
	fs afero.Fs
	v  *viper.Viper
}

func (cli *TestContentCLI) GetViper() *viper.Viper {
	return cli.v
}

func (cli *TestContentCLI) GetFS() afero.Fs {
	return cli.fs
}

func NewTestContentCLI() *TestContentCLI {
	return &TestContentCLI{
		fs: afero.NewOsFs(),
		v:  viper.GetViper(),
	}
}
