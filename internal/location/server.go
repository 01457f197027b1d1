package location

import (
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/locstore"
)

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_stream_updates_total",
	Help: "Streamed location updates grouped by result.",
}, []string{"result"})

// Server writes streamed updates into a location store.
type Server struct {
	writer locstore.Writer
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(writer locstore.Writer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{writer: writer, logger: logger.Named("location")}
}

// StreamLocation applies every update in order. Invalid updates are counted
// as rejected; a store failure aborts the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	ctx := stream.Context()
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if msg.Key == "" {
			ack.Rejected++
			updatesTotal.WithLabelValues("rejected").Inc()
			continue
		}
		if msg.Remove {
			err = s.writer.Remove(ctx, msg.Key)
		} else {
			err = s.writer.Set(ctx, msg.Key, geo.Point{Lat: msg.Lat, Lng: msg.Lng})
		}
		switch {
		case errors.Is(err, geo.ErrInvalidPoint):
			ack.Rejected++
			updatesTotal.WithLabelValues("rejected").Inc()
			s.logger.Debug("rejected location update", zap.String("key", msg.Key), zap.Error(err))
		case err != nil:
			updatesTotal.WithLabelValues("error").Inc()
			s.logger.Error("location write failed", zap.String("key", msg.Key), zap.Error(err))
			return status.Errorf(codes.Unavailable, "write %q: %v", msg.Key, err)
		default:
			ack.Accepted++
			updatesTotal.WithLabelValues("accepted").Inc()
		}
	}
}
