package rudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfileIsValid(t *testing.T) {
	assert.NoError(t, DefaultProfile().Validate())
}

func TestProfileValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
		field  string
	}{
		{"zero send queue", func(p *Profile) { p.MaxSendQueueSize = 0 }, "MaxSendQueueSize"},
		{"zero recv queue", func(p *Profile) { p.MaxRecvQueueSize = 0 }, "MaxRecvQueueSize"},
		{"tiny segment size", func(p *Profile) { p.MaxSegmentSize = 21 }, "MaxSegmentSize"},
		{"zero window", func(p *Profile) { p.MaxOutstandingSegs = 0 }, "MaxOutstandingSegs"},
		{"short retransmission timeout", func(p *Profile) { p.RetransmissionTimeout = 99 }, "RetransmissionTimeout"},
		{"short cumulative ack timeout", func(p *Profile) { p.CumulativeAckTimeout = 10 }, "CumulativeAckTimeout"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := DefaultProfile()
			test.mutate(&p)

			err := p.Validate()
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, test.field, cfgErr.Field)
		})
	}
}

func TestProfileBoundaryValues(t *testing.T) {
	p := DefaultProfile()
	p.MaxSegmentSize = 22
	p.RetransmissionTimeout = 100
	p.CumulativeAckTimeout = 100
	p.MaxRetrans = 0
	p.NullSegmentTimeout = 0
	assert.NoError(t, p.Validate())
}

func TestProfileSYNRoundTrip(t *testing.T) {
	p := DefaultProfile()
	p.MaxOutstandingSegs = 7
	p.MaxSegmentSize = 512
	p.MaxRetrans = 9

	got := profileFromSYN(p.synFields(), DefaultProfile())
	assert.Equal(t, p, got)
}
