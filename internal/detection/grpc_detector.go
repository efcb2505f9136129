package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// DetectionService is the gRPC service name of the detector
	DetectionService = "collicam.detection.v1.DetectionService"

	detectMethod = "/" + DetectionService + "/Detect"
)

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint      string
	ConfThreshold float64
	Timeout       time.Duration
	DialOptions   []grpc.DialOption
}

// GRPCDetector calls the unary Detect RPC. Requests and responses are
// google.protobuf.Struct messages so no generated stubs are needed.
type GRPCDetector struct {
	endpoint      string
	confThreshold float64
	timeout       time.Duration
	conn          *grpc.ClientConn
	health        healthpb.HealthClient
	logger        *zap.Logger

	healthMu   sync.Mutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCDetector creates a new gRPC detection client. The connection is
// established lazily on first use.
func NewGRPCDetector(cfg GRPCDetectorConfig, logger *zap.Logger) (*GRPCDetector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	return &GRPCDetector{
		endpoint:      cfg.Endpoint,
		confThreshold: cfg.ConfThreshold,
		timeout:       cfg.Timeout,
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
		logger:        logger.Named("grpc-detector"),
	}, nil
}

var _ Client = (*GRPCDetector)(nil)

// Healthy runs the standard gRPC health check for the detection service.
// A serving status is cached for 30 seconds.
func (d *GRPCDetector) Healthy(ctx context.Context) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	if d.healthy && time.Since(d.lastHealth) < 30*time.Second {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectionService})
	if err != nil {
		d.logger.Debug("health check failed", zap.String("endpoint", d.endpoint), zap.Error(err))
		d.healthy = false
		return false
	}

	d.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if d.healthy {
		d.lastHealth = time.Now()
	}
	return d.healthy
}

// Detect sends one frame through the Detect RPC
func (d *GRPCDetector) Detect(ctx context.Context, jpeg []byte) (*Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"jpeg_data":      base64.StdEncoding.EncodeToString(jpeg),
		"conf_threshold": d.confThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect rpc: %w", err)
	}
	return resultFromStruct(resp)
}

// Close closes the connection
func (d *GRPCDetector) Close() error {
	return d.conn.Close()
}

// resultFromStruct converts a Detect response into a Result
func resultFromStruct(s *structpb.Struct) (*Result, error) {
	m := s.AsMap()
	result := &Result{}

	if v, ok := m["inference_time_ms"].(float64); ok {
		result.InferenceTimeMs = v
	}
	if v, ok := m["device"].(string); ok {
		result.Device = v
	}

	raw, _ := m["detections"].([]interface{})
	result.Objects = make([]Object, 0, len(raw))
	for i, item := range raw {
		dm, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("detection %d: unexpected type %T", i, item)
		}

		obj := Object{}
		obj.Class, _ = dm["class"].(string)
		obj.Score, _ = dm["score"].(float64)
		bbox, _ := dm["bbox"].([]interface{})
		if len(bbox) != 4 {
			return nil, fmt.Errorf("detection %d: bbox needs 4 values, got %d", i, len(bbox))
		}
		for _, c := range bbox {
			f, ok := c.(float64)
			if !ok {
				return nil, fmt.Errorf("detection %d: non-numeric bbox value", i)
			}
			obj.BBox = append(obj.BBox, f)
		}
		result.Objects = append(result.Objects, obj)
	}
	return result, nil
}
