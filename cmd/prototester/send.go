package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zhiqiangxu/protoclient"
	"github.com/zhiqiangxu/protoclient/schema"
	"go.uber.org/zap"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Connect, send one request and print the decoded response",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().String("config", "", "TOML client config, flags given explicitly take precedence")
	sendCmd.Flags().Uint32("uid", 123, "recipient id")
	sendCmd.Flags().Uint16("cmd", 123, "command id")
	sendCmd.Flags().String("proto", "./proto", "directory or file with .proto definitions")
	sendCmd.Flags().String("request-type", "csTestMsg", "message type of the request")
	sendCmd.Flags().String("response-type", "scTestMsg", "message type of the response")
	sendCmd.Flags().String("fields", `{"type":123}`, "request fields as JSON")
	sendCmd.Flags().Int("timeout", 10000, "call timeout in ms")
	sendCmd.Flags().String("correlation", "command", "match responses by command or sequence")
}

func clientConfig(cmd *cobra.Command) (config protoclient.ClientConfig, err error) {
	path := viper.GetString("config")
	if path != "" {
		if config, err = protoclient.LoadConfigFile(path); err != nil {
			return
		}
	}

	if config.Host == "" || cmd.Flags().Changed("host") {
		config.Host = viper.GetString("host")
	}
	if config.Port == 0 || cmd.Flags().Changed("port") {
		config.Port = viper.GetInt("port")
	}
	if config.CallTimeout == 0 || cmd.Flags().Changed("timeout") {
		config.CallTimeout = time.Duration(viper.GetInt("timeout")) * time.Millisecond
	}
	// IsSet covers both the flag and PROTOTESTER_CORRELATION
	if path == "" || viper.IsSet("correlation") {
		config.Correlation, err = protoclient.ParseCorrelation(viper.GetString("correlation"))
	}
	config.Logger = logger
	return
}

func runSend(cmd *cobra.Command, _ []string) (err error) {
	codec, err := schema.Load(viper.GetString("proto"))
	if err != nil {
		return
	}

	var fields map[string]any
	if err = json.Unmarshal([]byte(viper.GetString("fields")), &fields); err != nil {
		return errors.Wrap(err, "parse --fields")
	}
	payload, err := codec.Encode(viper.GetString("request-type"), fields)
	if err != nil {
		return
	}

	config, err := clientConfig(cmd)
	if err != nil {
		return
	}
	client := protoclient.NewClient(config)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.CallTimeout+time.Second)
	defer cancel()
	if err = client.ConnectContext(ctx); err != nil {
		logger.Error("client setup failed", zap.Error(err))
		return
	}

	uid, cmdID := viper.GetUint32("uid"), uint16(viper.GetUint("cmd"))
	frame, err := client.Call(ctx, uid, cmdID, payload)
	if err != nil {
		return
	}

	resp, err := codec.Decode(viper.GetString("response-type"), frame.Payload)
	if err != nil {
		return
	}
	out, _ := json.MarshalIndent(map[string]any{"header": frame.Header, "message": resp}, "", "  ")
	fmt.Println(string(out))
	return
}
