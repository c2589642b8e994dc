// Package influx mirrors location reports and capture outcomes into
// InfluxDB. When the server is unreachable points go to a gzip file of
// line protocol instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/geocatch/client/pkg/core"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
)

// Buckets written by the mirror.
const (
	BucketLocations = "player_locations"
	BucketCaptures  = "capture_events"
)

// DefaultBucketNames are the buckets created on connect.
var DefaultBucketNames = []string{BucketLocations, BucketCaptures}

// Config configures the mirror.
type Config struct {
	URL           string
	Token         string
	Org           string
	BackupPath    string
	RetentionDays int
	// SkipSetup leaves org and bucket management to the server operator.
	SkipSetup bool
}

// Manager handles the InfluxDB connection and writes. It implements
// session.Telemetry.
type Manager struct {
	Client       influxdb2.Client
	Writers      map[string]influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	BucketNames  []string
	Logger       zerolog.Logger

	cfg        Config
	mu         sync.Mutex
	backupFile *os.File
}

// NewManager creates a mirror. Call Connect before writing.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &Manager{
		Writers:     make(map[string]influxdb2_api.WriteAPI),
		BucketNames: DefaultBucketNames,
		Logger:      log,
		cfg:         cfg,
	}
}

// Connect pings the server and sets up writers, or opens the backup file
// when the server cannot be reached.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.URL == "" {
		return errors.New("influx: url not set")
	}

	m.Client = influxdb2.NewClientWithOptions(
		m.cfg.URL,
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.Client.Ping(ctx)
	if err != nil || !running {
		m.IsValid = false
		if m.cfg.BackupPath == "" {
			return fmt.Errorf("influx: server unreachable and no backup path: %v", err)
		}
		m.Logger.Info().Str("backupPath", m.cfg.BackupPath).
			Msg("InfluxDB unreachable, writing to backup file")

		file, ferr := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr != nil {
			return fmt.Errorf("error creating backup file: %w", ferr)
		}
		m.backupFile = file
		m.BackupWriter = gzip.NewWriter(file)
		return nil
	}

	m.IsValid = true
	if !m.cfg.SkipSetup {
		if err := m.setupOrganizationAndBuckets(ctx); err != nil {
			return err
		}
	}
	m.createWriters()
	m.Logger.Info().Str("url", m.cfg.URL).Msg("InfluxDB mirror initialized")
	return nil
}

func (m *Manager) setupOrganizationAndBuckets(ctx context.Context) error {
	orgs := m.Client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.Logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			return fmt.Errorf("creating organization %s: %w", m.cfg.Org, err)
		}
	}

	rule := domain.RetentionRuleTypeExpire
	for _, bucket := range m.BucketNames {
		if _, err := m.Client.BucketsAPI().FindBucketByName(ctx, bucket); err == nil {
			continue
		}
		m.Logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")
		_, err := m.Client.BucketsAPI().CreateBucketWithName(ctx, org, bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: int64(60 * 60 * 24 * m.cfg.RetentionDays),
		})
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (m *Manager) createWriters() {
	for _, bucket := range m.BucketNames {
		w := m.Client.WriteAPI(m.cfg.Org, bucket)
		m.Writers[bucket] = w

		go func(bucket string, errorsCh <-chan error) {
			for writeErr := range errorsCh {
				m.Logger.Error().Err(writeErr).Str("bucket", bucket).
					Msg("Error sending data to InfluxDB")
			}
		}(bucket, w.Errors())
	}
	m.Logger.Debug().Int("buckets", len(m.Writers)).Msg("InfluxDB writers initialized")
}

// WritePoint queues a point for bucket, or appends it to the backup file.
// It never blocks on the network.
func (m *Manager) WritePoint(bucket string, point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsValid {
		w, ok := m.Writers[bucket]
		if !ok {
			return fmt.Errorf("influx: bucket %q not registered", bucket)
		}
		w.WritePoint(point)
		return nil
	}

	if m.BackupWriter == nil {
		return errors.New("influx: not connected and no backup writer")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// WriteLocation mirrors a location report.
func (m *Manager) WriteLocation(sessionID string, fix core.LocationFix) {
	if err := m.WritePoint(BucketLocations, LocationPoint(sessionID, fix)); err != nil {
		m.Logger.Warn().Err(err).Msg("Dropping location point")
	}
}

// WriteCapture mirrors a capture outcome.
func (m *Manager) WriteCapture(sessionID, entityID string, points int, accepted bool, at time.Time) {
	if err := m.WritePoint(BucketCaptures, CapturePoint(sessionID, entityID, points, accepted, at)); err != nil {
		m.Logger.Warn().Err(err).Msg("Dropping capture point")
	}
}

// Close flushes pending writes and closes the client or backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.Client != nil {
		for _, w := range m.Writers {
			w.Flush()
		}
		m.Client.Close()
		m.Client = nil
	}
	if m.BackupWriter != nil {
		err = errors.Join(m.BackupWriter.Close(), m.backupFile.Close())
		m.BackupWriter = nil
	}
	m.IsValid = false
	return err
}

// LocationPoint builds the point for a location report.
func LocationPoint(sessionID string, fix core.LocationFix) *influxdb2_write.Point {
	at := fix.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	p := influxdb2_write.NewPointWithMeasurement("location").
		AddTag("session", sessionID).
		AddField("lat", fix.Latitude).
		AddField("lng", fix.Longitude).
		AddField("accuracy", fix.Accuracy).
		SetTime(at)
	if fix.Mock {
		p.AddTag("mock", "true")
	}
	return p
}

// CapturePoint builds the point for a capture outcome.
func CapturePoint(sessionID, entityID string, points int, accepted bool, at time.Time) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement("capture").
		AddTag("session", sessionID).
		AddTag("entity", entityID).
		AddField("points", points).
		AddField("accepted", accepted).
		SetTime(at)
}
