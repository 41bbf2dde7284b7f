package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/mailtrace/internal/config"
)

func doctorCmd(args []string) error {
	fs := pflag.NewFlagSet("doctor", pflag.ContinueOnError)
	var configPath string
	fs.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := bootstrap(configPath)
	if err != nil {
		return err
	}

	report := config.CheckMapping(cfg)
	out, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)

	if !report.Healthy() {
		return fmt.Errorf("doctor: %d required mapping field(s) missing", len(report.Errors))
	}
	return nil
}
