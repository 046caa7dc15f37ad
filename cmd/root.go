package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyauth"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
)

var _rootCmdOpts struct {
	configFile     string
	debug          bool
	address        string
	port           uint16
	email          string
	password       string
	tokenFile      string
	loginURL       string
	connectTimeout time.Duration
	replyTimeout   time.Duration
	holdDuration   time.Duration
	keepAlive      time.Duration
	logStanzas     bool
}

var rootCmd = &cobra.Command{
	Use:           "harmonyctl",
	Short:         "Query and control a Logitech Harmony hub",
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _rootCmdOpts.debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the root command, exiting non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Logger(nil).WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&_rootCmdOpts.configFile, "config", "", "config file (default is $HOME/.harmonyctl.yaml)")
	pf.BoolVar(&_rootCmdOpts.debug, "debug", false, "enable debug logging")
	pf.StringVar(&_rootCmdOpts.address, "harmony-ip", "", "IP address of the Harmony hub")
	pf.Uint16Var(&_rootCmdOpts.port, "harmony-port", 5222, "network port the Harmony hub is listening on")
	pf.StringVar(&_rootCmdOpts.email, "email", "", "Logitech account email address")
	pf.StringVar(&_rootCmdOpts.password, "password", "", "Logitech account password")
	pf.StringVar(&_rootCmdOpts.tokenFile, "token-file", "", "file to cache the hub session token in")
	pf.StringVar(&_rootCmdOpts.loginURL, "login-url", harmonyauth.DefaultLoginURL, "Logitech login service URL")
	pf.DurationVar(&_rootCmdOpts.connectTimeout, "connect-timeout", time.Second*10, "maximum time to wait for the hub session, eg. 1m or 10s")
	pf.DurationVar(&_rootCmdOpts.replyTimeout, "reply-timeout", time.Second*10, "maximum time to wait for each hub reply, eg. 1m or 10s")
	pf.DurationVar(&_rootCmdOpts.holdDuration, "hold-duration", time.Second*20, "button hold time sent with device commands")
	pf.DurationVar(&_rootCmdOpts.keepAlive, "keepalive", time.Second*30, "interval between XMPP pings on an idle session, 0 to disable")
	pf.BoolVar(&_rootCmdOpts.logStanzas, "log-stanzas", false, "log XMPP stanzas (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("harmony.address", pf.Lookup("harmony-ip")))
	errPanic(viper.GetViper().BindPFlag("harmony.port", pf.Lookup("harmony-port")))
	errPanic(viper.GetViper().BindPFlag("harmony.email", pf.Lookup("email")))
	errPanic(viper.GetViper().BindPFlag("harmony.password", pf.Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("harmony.token-file", pf.Lookup("token-file")))
	errPanic(viper.GetViper().BindPFlag("harmony.login-url", pf.Lookup("login-url")))
	errPanic(viper.GetViper().BindPFlag("harmony.connect-timeout", pf.Lookup("connect-timeout")))
	errPanic(viper.GetViper().BindPFlag("harmony.reply-timeout", pf.Lookup("reply-timeout")))
	errPanic(viper.GetViper().BindPFlag("harmony.hold-duration", pf.Lookup("hold-duration")))
	errPanic(viper.GetViper().BindPFlag("harmony.keepalive", pf.Lookup("keepalive")))
	errPanic(viper.GetViper().BindPFlag("logging.log-stanzas", pf.Lookup("log-stanzas")))
}

func initConfig() {
	if _rootCmdOpts.configFile != "" {
		viper.SetConfigFile(_rootCmdOpts.configFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".harmonyctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("harmonyctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || _rootCmdOpts.configFile != "" {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}
