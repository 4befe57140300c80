package metrics

import "github.com/marmos91/dsmd/pkg/dsm"

// NewDSMRecorder returns a Prometheus-backed dsm.Recorder, or nil if metrics
// are not enabled. dsm.NewNode treats a nil Recorder as "collect nothing".
func NewDSMRecorder() dsm.Recorder {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusDSMRecorder()
}

// newPrometheusDSMRecorder is supplied by pkg/metrics/prometheus's init,
// keeping this package free of a direct Prometheus client dependency.
var newPrometheusDSMRecorder func() dsm.Recorder

// RegisterDSMRecorderConstructor is called by pkg/metrics/prometheus's init
// to supply the concrete constructor.
func RegisterDSMRecorderConstructor(constructor func() dsm.Recorder) {
	newPrometheusDSMRecorder = constructor
}
