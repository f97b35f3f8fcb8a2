package config

import (
	"os"
	"path/filepath"

	"github.com/kkyr/fig"
)

const EnvPrefix = "PIPCAM"

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom path to the configuration file.
// Reads and puts environment variables with the prefix PIPCAM_.
// Params from the config should be in uppercase separated with _.
func LoadConfig(config any, path string) error {
	opts := []fig.Option{fig.UseEnv(EnvPrefix)}
	if path != "" {
		opts = append(opts, fig.File(filepath.Base(path)), fig.Dirs(filepath.Dir(path)))
	} else {
		dirs := []string{".", "configs", "../../configs"}
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, ".pipcam"))
		}
		opts = append(opts, fig.Dirs(dirs...))
	}
	return fig.Load(config, opts...)
}

func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}
