package actors

import (
	"os"

	"github.com/spf13/viper"
	"satchel/engine/library"
)

// InitConfig sets up our Viper config object
func InitConfig(config *viper.Viper) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	config.SetDefault("rootDir", homeDir+"/satchel/")
	config.SetConfigType("yaml")
	config.SetConfigFile(config.GetString("rootDir") + "config.yaml")
	err = config.ReadInConfig()
	if err != nil {
		library.LogCLI(err.Error(), 4)
	}
	config.SetDefault("firstRun", true)
	config.SetDefault("flatFileDir", "data/")
	config.SetDefault("logLevel", 4)
	config.SetDefault("relays", []string{"wss://relay.damus.io", "wss://nos.lol"})
	config.SetDefault("connectTimeout", "10s")
	config.SetDefault("queryTimeout", "5s")
	config.SetDefault("keepaliveInterval", "60s")
	config.SetDefault("backoffFloor", "1s")
	config.SetDefault("backoffCap", "2m")
	config.SetDefault("timestampWindow", "48h")
	config.SetDefault("checkpointDebounce", "2s")
	config.SetDefault("doNotPublish", false)

	// Create our working directory and config file if not exist
	initRootDir(config)
	touch(config.GetString("rootDir") + "config.yaml")
	err = config.WriteConfig()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
}

func initRootDir(conf *viper.Viper) {
	_, err := os.Stat(conf.GetString("rootDir"))
	if os.IsNotExist(err) {
		err = os.Mkdir(conf.GetString("rootDir"), 0755)
		if err != nil {
			library.LogCLI(err, 0)
		}
	}
}

func touch(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			library.LogCLI(err.Error(), 0)
			return
		}
		f.Close()
	}
}

var conf *viper.Viper

func MakeOrGetConfig() *viper.Viper {
	if conf == nil {
		conf = viper.New()
		InitConfig(conf)
	}
	return conf
}

func SetConfig(config *viper.Viper) {
	conf = config
}
