package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zhiqiangxu/protoclient"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "prototester",
		Short: "fire requests at a server speaking the 18 byte header protocol",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return setupLogger(viper.GetString("log-level"))
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of prototester",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("prototester v%s\n", Version)
		},
	}

	logger = zap.NewNop()
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("host", "127.0.0.1", "server host")
	rootCmd.PersistentFlags().Int("port", 8080, "server port")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("prototester")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogger(level string) (err error) {
	var lvl zapcore.Level
	if err = lvl.UnmarshalText([]byte(level)); err != nil {
		return
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err = cfg.Build()
	if err != nil {
		return
	}
	protoclient.SetLogger(logger)
	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
