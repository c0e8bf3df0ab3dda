package deyvam

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// ValidateConfig checks the static configuration before anything is
// connected. Nested config sections are validated individually so a
// missing section is reported rather than panicking.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator.Struct(cfg); err != nil {
		errs = append(errs, err)
	}
	sections := map[string]any{
		"discord": cfg.Discord,
		"api":     cfg.API,
		"tickets": cfg.Tickets,
		"redis":   cfg.Redis,
		"archive": cfg.Archive,
	}
	for name, section := range sections {
		if section == nil {
			errs = append(errs, fmt.Errorf("%s: missing config section", name))
		}
	}
	return errors.Join(errs...)
}

func validateTicketConfig(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(TicketConfig)
	if !ok {
		return
	}
	if c.ControlScanLimit > c.HistoryLimit {
		sl.ReportError(
			c.ControlScanLimit,
			"ControlScanLimit",
			"control_scan_limit",
			"ltefield",
			"HistoryLimit",
		)
	}
}

func validateArchiveConfig(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(ArchiveConfig)
	if !ok || !c.Enabled {
		return
	}
	if c.AccessKey == "" {
		sl.ReportError(c.AccessKey, "AccessKey", "access_key", "required_if", "Enabled true")
	}
	if c.SecretKey == "" {
		sl.ReportError(c.SecretKey, "SecretKey", "secret_key", "required_if", "Enabled true")
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateTicketConfig, TicketConfig{})
	structValidator.RegisterStructValidation(validateArchiveConfig, ArchiveConfig{})
}
