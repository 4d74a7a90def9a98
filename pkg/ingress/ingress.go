// Package ingress contains the boundary between producer transports and the
// session service. Adapters decode samples and hand them to a Sink; ingestion
// errors are logged and counted here and never propagate further.
package ingress

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"golang.org/x/mod/semver"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/processing/aggregator"
)

const RequiredProducerVersion = "v1.0.0"

type (
	Sink interface {
		// Ingest takes a sample of the given producer. A sample without
		// generation gets the generation currently assigned to the producer.
		Ingest(producerID string, s *model.TelemetrySample) error
	}

	// Producers is implemented by sinks that track connection lifetimes.
	Producers interface {
		Sink
		Connect() string
		Release(producerID string)
	}

	// Stats counts what an adapter did with incoming messages.
	Stats struct {
		Received  atomic.Uint64
		Malformed atomic.Uint64
		Rejected  atomic.Uint64
	}
)

// DecodeSample parses the json representation of a sample. Decoding errors
// are reported as invalid samples.
func DecodeSample(data []byte) (*model.TelemetrySample, error) {
	var s model.TelemetrySample
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &model.InvalidSampleError{Reason: err.Error()}
	}
	return &s, nil
}

// Handle decodes data and hands it to the sink. Recoverable errors are
// logged on debug level and counted. Other errors are returned.
//
//nolint:whitespace // can't make both editor and linter happy
func Handle(
	sink Sink,
	producerID string,
	data []byte,
	stats *Stats,
	logger *log.Logger,
) error {
	stats.Received.Add(1)
	s, err := DecodeSample(data)
	if err != nil {
		stats.Malformed.Add(1)
		logger.Debug("malformed sample",
			log.String("producer", producerID),
			log.ErrorField(err))
		return nil
	}
	if s.ProducerID == "" {
		s.ProducerID = producerID
	}
	if err := sink.Ingest(producerID, s); err != nil {
		if aggregator.IsRecoverable(err) {
			stats.Rejected.Add(1)
			logger.Debug("sample rejected",
				log.String("producer", producerID),
				log.Uint64("seq", s.SequenceID),
				log.ErrorField(err))
			return nil
		}
		return err
	}
	return nil
}

// CheckProducerVersion reports whether the producer is recent enough.
// An empty version is accepted.
func CheckProducerVersion(v string) bool {
	if v == "" {
		return true
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, RequiredProducerVersion) >= 0
}
