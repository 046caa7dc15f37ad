package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
)

var _commandCmdOpts struct {
	device  string
	command string
}

var sendCommandCmd = &cobra.Command{
	Use:   "send-command",
	Short: "Send an IR command (button press) to a device",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withHarmony(doSendCommand)
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("send-command.device", "send-command.command")
	},
}

func init() {
	sendCommandCmd.Flags().StringVar(&_commandCmdOpts.device, "device", "", "ID or label of the device to send the command to")
	sendCommandCmd.Flags().StringVar(&_commandCmdOpts.command, "command", "", "the command to perform, eg. PowerOff")

	errPanic(viper.GetViper().BindPFlag("send-command.device", sendCommandCmd.Flags().Lookup("device")))
	errPanic(viper.GetViper().BindPFlag("send-command.command", sendCommandCmd.Flags().Lookup("command")))

	rootCmd.AddCommand(sendCommandCmd)
}

func resolveDevice(client harmonyapi.Harmony, name string) (string, error) {
	if _, err := strconv.Atoi(name); err == nil {
		return name, nil
	}

	cfg, err := client.Configuration()
	if err != nil {
		return "", err
	}

	device, ok := cfg.DeviceByLabel(name)
	if !ok {
		return "", fmt.Errorf("no device called %q", name)
	}

	return device.ID, nil
}

func doSendCommand(client harmonyapi.Harmony) error {
	deviceID, err := resolveDevice(client, viper.GetString("send-command.device"))
	if err != nil {
		return err
	}

	reply, err := client.SendButtonPress(viper.GetString("send-command.command"), deviceID)
	if err != nil {
		return err
	}

	fmt.Println(reply)
	return nil
}
