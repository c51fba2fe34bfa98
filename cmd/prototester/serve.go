package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zhiqiangxu/protoclient"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server, handy as a peer for send",
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		address := fmt.Sprintf("%s:%d", viper.GetString("host"), viper.GetInt("port"))
		s, err := protoclient.ListenTCP(address, protoclient.ServerConfig{
			MaxFrameSize: viper.GetInt("max-frame-size"),
			Logger:       logger,
		})
		if err != nil {
			return
		}

		mux := protoclient.NewServeMux()
		mux.NotFound = protoclient.Echo
		s.Serve(mux)
		logger.Info("echo server started", zap.Stringer("addr", s.Addr()))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info("shutting down")
		return s.Shutdown()
	},
}

func init() {
	serveCmd.Flags().Int("max-frame-size", 0, "reject frames longer than this, 0 for no limit")
}
