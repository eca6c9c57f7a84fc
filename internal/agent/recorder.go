package agent

import (
	"time"

	"github.com/signalsfoundry/dtn-router/model"
)

// Recorder receives metric events from agents. observability.DTNCollector
// is the production implementation.
type Recorder interface {
	BundleCreated(role model.Role)
	BundleForwarded(role model.Role, strategy string, direct bool)
	BundleReceived(role model.Role)
	BundleDelivered(role model.Role, delay time.Duration)
	BundleDropped(role model.Role, reason string)
	BundlesExpired(role model.Role, n int)
	ForwardSkipped(role model.Role, reason string, n int)
	TransportError(role model.Role)
	FlowLogFailure()
	CycleCompleted(role model.Role, elapsed time.Duration, occupancy float64)
}

// DeliveryReporter is told when a bundle reaches its destination. The
// harness uses it to notify the nodes that carried the bundle.
type DeliveryReporter interface {
	ReportDelivery(b *model.Bundle, at time.Time)
}

type noopRecorder struct{}

func (noopRecorder) BundleCreated(model.Role)                          {}
func (noopRecorder) BundleForwarded(model.Role, string, bool)          {}
func (noopRecorder) BundleReceived(model.Role)                         {}
func (noopRecorder) BundleDelivered(model.Role, time.Duration)         {}
func (noopRecorder) BundleDropped(model.Role, string)                  {}
func (noopRecorder) BundlesExpired(model.Role, int)                    {}
func (noopRecorder) ForwardSkipped(model.Role, string, int)            {}
func (noopRecorder) TransportError(model.Role)                         {}
func (noopRecorder) FlowLogFailure()                                   {}
func (noopRecorder) CycleCompleted(model.Role, time.Duration, float64) {}
