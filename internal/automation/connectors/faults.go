package connectors

import "github.com/conversehq/converse/internal/faults"

func transientf(code, format string, args ...any) error {
	return faults.Transientf(code, format, args...)
}

func permanentf(code, format string, args ...any) error {
	return faults.Permanentf(code, format, args...)
}
