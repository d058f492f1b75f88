// Package validation applies plausibility checks to decoded snapshots
// before they are published. Heuristic record decoding can misread a
// frame without a transport error; these rules catch the values that a
// real inverter could not produce.
package validation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvgrid/go-speedwire/internal/domain"
)

// Severity grades a finding. Warnings are logged, errors mark the
// snapshot as implausible.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Finding is one failed check.
type Finding struct {
	Rule     string
	Severity Severity
	Message  string
}

func (f *Finding) Error() string {
	return fmt.Sprintf("%s: %s (%s)", f.Rule, f.Message, f.Severity)
}

// Result collects the findings for one snapshot.
type Result struct {
	Findings []*Finding
}

// Valid reports whether the snapshot carries no error-level findings.
func (r *Result) Valid() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Rule checks one aspect of a snapshot. A nil return means the check
// passed.
type Rule struct {
	Name  string
	Check func(state *domain.DeviceState) *Finding
}

// Validator runs the plausibility rules over snapshots.
type Validator struct {
	rules  []Rule
	logger zerolog.Logger

	checked  int64
	rejected int64
	warnings int64
}

// New creates a validator with the default rule set.
func New(logger zerolog.Logger) *Validator {
	return &Validator{
		rules:  defaultRules(),
		logger: logger.With().Str("component", "validator").Logger(),
	}
}

// AddRule registers an extra check.
func (v *Validator) AddRule(rule Rule) {
	v.rules = append(v.rules, rule)
}

// Validate runs all rules and logs the findings.
func (v *Validator) Validate(state *domain.DeviceState) *Result {
	v.checked++
	result := &Result{}

	for _, rule := range v.rules {
		if f := rule.Check(state); f != nil {
			f.Rule = rule.Name
			result.Findings = append(result.Findings, f)
			if f.Severity == SeverityError {
				v.rejected++
			} else {
				v.warnings++
			}
			v.logger.Warn().
				Str("rule", rule.Name).
				Str("severity", f.Severity.String()).
				Msg(f.Message)
		}
	}
	return result
}

// Stats returns validation counters for diagnostics.
func (v *Validator) Stats() map[string]int64 {
	return map[string]int64{
		"checked":  v.checked,
		"rejected": v.rejected,
		"warnings": v.warnings,
	}
}

// maxPlausiblePowerW covers the largest Speedwire string inverters with
// margin. Values beyond it come from misdecoded frames, not sunlight.
const maxPlausiblePowerW = 1_000_000

func defaultRules() []Rule {
	return []Rule{
		{
			Name: "ac_power_range",
			Check: func(s *domain.DeviceState) *Finding {
				if s.TotalACPower < 0 {
					return &Finding{
						Severity: SeverityError,
						Message:  fmt.Sprintf("negative AC power %d W", s.TotalACPower),
					}
				}
				if s.TotalACPower > maxPlausiblePowerW {
					return &Finding{
						Severity: SeverityError,
						Message:  fmt.Sprintf("AC power %d W exceeds plausible maximum", s.TotalACPower),
					}
				}
				return nil
			},
		},
		{
			Name: "grid_frequency_band",
			Check: func(s *domain.DeviceState) *Finding {
				if s.GridFrequency == 0 {
					return nil // not read or inverter asleep
				}
				hz := s.FrequencyHz()
				if hz < 45.0 || hz > 65.0 {
					return &Finding{
						Severity: SeverityError,
						Message:  fmt.Sprintf("grid frequency %.2f Hz outside 45-65 Hz band", hz),
					}
				}
				return nil
			},
		},
		{
			Name: "energy_counters_consistent",
			Check: func(s *domain.DeviceState) *Finding {
				if s.EnergyToday < 0 || s.EnergyTotal < 0 {
					return &Finding{
						Severity: SeverityError,
						Message:  "negative energy counter",
					}
				}
				if s.EnergyTotal > 0 && s.EnergyToday > s.EnergyTotal {
					return &Finding{
						Severity: SeverityError,
						Message: fmt.Sprintf("daily energy %d Wh exceeds lifetime total %d Wh",
							s.EnergyToday, s.EnergyTotal),
					}
				}
				return nil
			},
		},
		{
			Name: "temperature_range",
			Check: func(s *domain.DeviceState) *Finding {
				if s.Temperature == 0 {
					return nil
				}
				c := s.TemperatureC()
				if c < -40.0 || c > 120.0 {
					return &Finding{
						Severity: SeverityWarning,
						Message:  fmt.Sprintf("inverter temperature %.1f °C outside -40..120 range", c),
					}
				}
				return nil
			},
		},
		{
			Name: "inverter_clock_drift",
			Check: func(s *domain.DeviceState) *Finding {
				if s.InverterTime.IsZero() {
					return nil
				}
				drift := time.Since(s.InverterTime)
				if drift < 0 {
					drift = -drift
				}
				if drift > 24*time.Hour {
					return &Finding{
						Severity: SeverityWarning,
						Message:  fmt.Sprintf("inverter clock off by %s", drift.Round(time.Minute)),
					}
				}
				return nil
			},
		},
	}
}
