// Package export converts current stop records into a GTFS-Realtime
// TripUpdates feed.
package export

import (
	"fmt"
	"sort"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/vietddude/muniwatch/internal/core/domain"
)

// Version is the GTFS-Realtime version written in feed headers.
const Version = "2.0"

// Feed builds a FULL_DATASET feed with one entity per (stop, line). Arrivals
// without a parseable time are left out; a line with none is skipped.
func Feed(records map[string]domain.StopRecord, at time.Time) *gtfsrt.FeedMessage {
	codes := make([]string, 0, len(records))
	for code := range records {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var entities []*gtfsrt.FeedEntity
	for _, code := range codes {
		rec := records[code]
		for _, line := range rec.Arrivals {
			updates := make([]*gtfsrt.TripUpdate_StopTimeUpdate, 0, len(line.Times))
			for _, t := range line.Times {
				ts, err := time.Parse(time.RFC3339, t.ArrivalTime)
				if err != nil {
					continue
				}
				updates = append(updates, &gtfsrt.TripUpdate_StopTimeUpdate{
					StopId:  proto.String(code),
					Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(ts.Unix())},
				})
			}
			if len(updates) == 0 {
				continue
			}

			tu := &gtfsrt.TripUpdate{
				Trip:           &gtfsrt.TripDescriptor{RouteId: proto.String(line.LineRef)},
				StopTimeUpdate: updates,
			}
			if rec.FromCache && rec.CachedAt != nil {
				tu.Timestamp = proto.Uint64(uint64(rec.CachedAt.Unix()))
			} else if rec.LastUpdated != nil {
				tu.Timestamp = proto.Uint64(uint64(rec.LastUpdated.Unix()))
			}

			entities = append(entities, &gtfsrt.FeedEntity{
				Id:         proto.String(fmt.Sprintf("%s:%s", code, line.LineRef)),
				TripUpdate: tu,
			})
		}
	}

	return &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String(Version),
			Incrementality:      gtfsrt.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(at.Unix())),
		},
		Entity: entities,
	}
}

// Marshal encodes the feed as binary protobuf, or as prototext when text is
// set.
func Marshal(feed *gtfsrt.FeedMessage, text bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if text {
		data, err = prototext.MarshalOptions{Multiline: true}.Marshal(feed)
	} else {
		data, err = proto.Marshal(feed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feed: %w", err)
	}
	return data, nil
}
