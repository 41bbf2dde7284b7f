package config

// MappingIssue is one finding from a mapping check.
type MappingIssue struct {
	Field   string `yaml:"field"`
	Message string `yaml:"message"`
}

// DoctorReport is the result of validating the OpenSearch field mapping.
type DoctorReport struct {
	Method       string         `yaml:"method"`
	Errors       []MappingIssue `yaml:"errors"`
	Warnings     []MappingIssue `yaml:"warnings"`
	Configured   []string       `yaml:"configured_fields"`
	Unconfigured []string       `yaml:"unconfigured_fields"`
}

// Healthy reports whether the check found no hard errors.
func (r DoctorReport) Healthy() bool { return len(r.Errors) == 0 }

var niceToHave = map[string]string{
	"facility":   "facility filtering won't be applied",
	"service":    "service name won't appear in parsed output",
	"queueid":    "queue ID lookups will fall back to message text search",
	"message_id": "Message-ID lookups will fall back to message text search",
}

// CheckMapping validates the OpenSearch field mapping: timestamp, message,
// and hostname are required; the rest degrade with a warning.
func CheckMapping(c *Config) DoctorReport {
	m := c.OpenSearch.Mapping
	fields := []struct {
		name     string
		value    string
		required bool
	}{
		{"facility", m.Facility, false},
		{"hostname", m.Hostname, true},
		{"message", m.Message, true},
		{"timestamp", m.Timestamp, true},
		{"service", m.Service, false},
		{"queueid", m.QueueID, false},
		{"message_id", m.MessageID, false},
	}

	report := DoctorReport{Method: string(c.Method)}
	for _, f := range fields {
		if f.value != "" {
			report.Configured = append(report.Configured, f.name)
			continue
		}
		report.Unconfigured = append(report.Unconfigured, f.name)
		if f.required {
			report.Errors = append(report.Errors, MappingIssue{
				Field:   f.name,
				Message: "required field '" + f.name + "' is not configured",
			})
		} else if msg, ok := niceToHave[f.name]; ok {
			report.Warnings = append(report.Warnings, MappingIssue{Field: f.name, Message: msg})
		}
	}
	return report
}
