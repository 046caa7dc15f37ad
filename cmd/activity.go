package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
)

var _activityCmdOpts struct {
	activity string
}

var currentActivityCmd = &cobra.Command{
	Use:   "current-activity",
	Short: "Print the current activity ID",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withHarmony(doCurrentActivity)
	},
}

var startActivityCmd = &cobra.Command{
	Use:   "start-activity",
	Short: "Start an activity, by ID or label",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withHarmony(doStartActivity)
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("start-activity.activity")
	},
}

var turnOffCmd = &cobra.Command{
	Use:   "turn-off",
	Short: "Turn everything off, unless it already is",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withHarmony(doTurnOff)
	},
}

func init() {
	startActivityCmd.Flags().StringVar(&_activityCmdOpts.activity, "activity", "", "ID or label of the activity to start (-1 is off)")
	errPanic(viper.GetViper().BindPFlag("start-activity.activity", startActivityCmd.Flags().Lookup("activity")))

	rootCmd.AddCommand(currentActivityCmd)
	rootCmd.AddCommand(startActivityCmd)
	rootCmd.AddCommand(turnOffCmd)
}

func doCurrentActivity(client harmonyapi.Harmony) error {
	id, err := client.CurrentActivity()
	if err != nil {
		return err
	}

	fmt.Println(id)
	return nil
}

// IDs are numeric; anything else is looked up by label
func resolveActivity(client harmonyapi.Harmony, name string) (string, error) {
	if _, err := strconv.Atoi(name); err == nil {
		return name, nil
	}

	cfg, err := client.Configuration()
	if err != nil {
		return "", err
	}

	activity, ok := cfg.ActivityByLabel(name)
	if !ok {
		return "", fmt.Errorf("no activity called %q", name)
	}

	return activity.ID, nil
}

func doStartActivity(client harmonyapi.Harmony) error {
	id, err := resolveActivity(client, viper.GetString("start-activity.activity"))
	if err != nil {
		return err
	}

	reply, err := client.StartActivity(id)
	if err != nil {
		return err
	}

	fmt.Println(reply)
	return nil
}

func doTurnOff(client harmonyapi.Harmony) error {
	if _, err := client.TurnOff(); err != nil {
		return err
	}

	fmt.Println("OFF")
	return nil
}
