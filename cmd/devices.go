package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
)

var _devicesCmdOpts struct {
	output string
	asJSON bool
}

var devicesCmd = &cobra.Command{
	Use:   "show-devices",
	Short: "Print the Harmony hub activities and devices",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withHarmony(doShowDevices)
	},
}

func init() {
	devicesCmd.Flags().StringVarP(&_devicesCmdOpts.output, "output", "o", "", "write the summary to this file instead of stdout")
	devicesCmd.Flags().BoolVar(&_devicesCmdOpts.asJSON, "json", false, "print the configuration as JSON")

	errPanic(viper.GetViper().BindPFlag("show-devices.output", devicesCmd.Flags().Lookup("output")))
	errPanic(viper.GetViper().BindPFlag("show-devices.json", devicesCmd.Flags().Lookup("json")))

	rootCmd.AddCommand(devicesCmd)
}

func doShowDevices(client harmonyapi.Harmony) error {
	cfg, err := client.Configuration()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if out := viper.GetString("show-devices.output"); out != "" {
		file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return errors.Wrapf(err, "opening %s for write", out)
		}
		defer file.Close()
		w = file
	}

	if viper.GetBool("show-devices.json") {
		b, err := json.MarshalIndent(cfg, "", "    ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}

	return cfg.Render(w)
}
