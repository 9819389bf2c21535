// Package autoload initializes the global logger from the LOG_* environment
// on import. Import for effect:
//
//	import _ "github.com/teerapap/contextd/pkg/logger/autoload"
package autoload

import (
	"github.com/kelseyhightower/envconfig"

	logx "github.com/teerapap/contextd/pkg/logger"
)

func init() {
	var conf logx.Config
	if err := envconfig.Process("LOG", &conf); err != nil {
		logx.Init()
		return
	}
	logx.Init(conf)
}
