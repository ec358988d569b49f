package options

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

// Options configures the hosted tachometer daemon.
type Options struct {
	Log *log.Options `json:"log" mapstructure:"log"`

	// DataDir holds the persistent key-value store and staged firmware
	// images.
	DataDir string `json:"data-dir" mapstructure:"data-dir"`

	// PortalAddr is the listen address of the configuration portal.
	PortalAddr string `json:"portal-addr" mapstructure:"portal-addr"`

	// LoopInterval paces the control loop.
	LoopInterval time.Duration `json:"loop-interval" mapstructure:"loop-interval"`

	// PulseFeed, when positive, injects one simulated wheel pulse per
	// interval. Zero leaves the simulated wheel stationary.
	PulseFeed time.Duration `json:"pulse-feed" mapstructure:"pulse-feed"`

	// ConfigFile optionally overlays options from a YAML file.
	ConfigFile string `json:"-" mapstructure:"-"`
}

func NewOptions() *Options {
	return &Options{
		Log:          log.NewOptions(),
		DataDir:      "/var/lib/mcc-tachod",
		PortalAddr:   ":8080",
		LoopInterval: 100 * time.Millisecond,
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Log.AddFlags(fs)
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir, "Directory for the device store and staged firmware.")
	fs.StringVar(&o.PortalAddr, "portal-addr", o.PortalAddr, "Listen address of the configuration portal.")
	fs.DurationVar(&o.LoopInterval, "loop-interval", o.LoopInterval, "Control loop pacing interval.")
	fs.DurationVar(&o.PulseFeed, "pulse-feed", o.PulseFeed, "Inject one simulated wheel pulse per interval (0 disables).")
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to an optional configuration file.")
}

// Complete overlays the config file, when given, onto the flag values.
func (o *Options) Complete() error {
	if o.ConfigFile == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(o.ConfigFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := v.Unmarshal(o); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (o *Options) Validate() error {
	var errs []error
	errs = append(errs, o.Log.Validate()...)
	if o.DataDir == "" {
		errs = append(errs, errors.New("data-dir must not be empty"))
	}
	if o.PortalAddr == "" {
		errs = append(errs, errors.New("portal-addr must not be empty"))
	}
	if o.LoopInterval <= 0 {
		errs = append(errs, errors.New("loop-interval must be positive"))
	}
	if o.PulseFeed < 0 {
		errs = append(errs, errors.New("pulse-feed must not be negative"))
	}
	return errors.Join(errs...)
}

// StorePath is the location of the persistent key-value store.
func (o *Options) StorePath() string {
	return filepath.Join(o.DataDir, "device.conf")
}

// FirmwareDir is where staged firmware images live.
func (o *Options) FirmwareDir() string {
	return filepath.Join(o.DataDir, "firmware")
}
