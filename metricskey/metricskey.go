// Package metricskey declares the metrics.Describe descriptors the signer
// core emits through github.com/effective-security/metrics.
package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfSignerOperation is the sample latency of a Public Signing API
	// operation (create_key, sign, destroy_key, sign_one_off, random). The
	// signer tag is the logical key id for sign and destroy_key, "one-off"
	// for sign_one_off, and "default" for create_key and random.
	PerfSignerOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_signer_operation",
		Help:         "perf_signer_operation provides the sample latency of signer operations",
		RequiredTags: []string{"signer", "operation"},
	}

	// PerfSignerProbe is the sample latency of a single probe attempt
	// against a signer instance, tagged by the outcome state it reached.
	PerfSignerProbe = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_signer_probe",
		Help:         "perf_signer_probe provides the sample latency of signer capability probes",
		RequiredTags: []string{"signer", "state"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfSignerOperation,
	&PerfSignerProbe,
}
