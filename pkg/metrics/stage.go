package metrics

import (
	"github.com/mash-protocol/coap-go/pkg/exchange"
)

// Stage counts exchange events. It forwards everything and sits below the
// dispatcher so that it sees the events of both roles.
type Stage struct {
	exchange.PassThrough
	m *Metrics
}

var _ exchange.Stage = (*Stage)(nil)

// NewStage returns a counting stage for m.
func NewStage(m *Metrics) *Stage {
	return &Stage{m: m}
}

// HandleEvent implements exchange.Stage.
func (s *Stage) HandleEvent(ev exchange.Event) bool {
	role := ev.Role.String()
	s.m.Events.WithLabelValues(ev.Type.String(), role).Inc()

	switch ev.Type {
	case exchange.EventRetransmission:
		s.m.Retransmissions.WithLabelValues(role).Inc()
	case exchange.EventTimeout:
		s.m.Timeouts.WithLabelValues(role).Inc()
	case exchange.EventBlockProgress:
		s.m.BlockTransfers.WithLabelValues("progress").Inc()
	case exchange.EventTransferFailed:
		s.m.BlockTransfers.WithLabelValues("failed").Inc()
	}
	return true
}
