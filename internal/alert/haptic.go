package alert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"collicam/internal/pipeline"
)

// DefaultPulse is the vibration length of one collision alert
const DefaultPulse = 200 * time.Millisecond

// Vibrator drives a haptic actuator
type Vibrator interface {
	Vibrate(d time.Duration) error
}

// HapticAlerter pulses a vibrator on collision
type HapticAlerter struct {
	vibrator Vibrator
	pulse    time.Duration
	logger   *zap.Logger
}

// NewHapticAlerter creates a new haptic alerter. A nil vibrator makes every
// alert return ErrAlertUnsupported.
func NewHapticAlerter(v Vibrator, pulse time.Duration, logger *zap.Logger) *HapticAlerter {
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HapticAlerter{vibrator: v, pulse: pulse, logger: logger.Named("haptic")}
}

var _ pipeline.Alerter = (*HapticAlerter)(nil)

func (h *HapticAlerter) Alert(ctx context.Context, event pipeline.CollisionEvent) error {
	if h.vibrator == nil {
		return ErrAlertUnsupported
	}
	if err := h.vibrator.Vibrate(h.pulse); err != nil {
		return fmt.Errorf("vibrate: %w", err)
	}
	h.logger.Debug("haptic pulse", zap.String("source", event.Source), zap.Duration("pulse", h.pulse))
	return nil
}

// SysfsVibrator drives a LED-class vibrator through sysfs, as exposed by
// the Linux input/leds "transient" trigger (duration + activate files)
type SysfsVibrator struct {
	dir string
}

// DefaultVibratorDir is the usual sysfs location of a phone vibrator
const DefaultVibratorDir = "/sys/class/leds/vibrator"

// OpenSysfsVibrator returns the vibrator at dir, or ErrAlertUnsupported when
// the device does not expose the control files
func OpenSysfsVibrator(dir string) (*SysfsVibrator, error) {
	for _, f := range []string{"duration", "activate"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAlertUnsupported, dir, err)
		}
	}
	return &SysfsVibrator{dir: dir}, nil
}

// Vibrate arms the duration and triggers one pulse
func (v *SysfsVibrator) Vibrate(d time.Duration) error {
	ms := strconv.FormatInt(d.Milliseconds(), 10)
	if err := os.WriteFile(filepath.Join(v.dir, "duration"), []byte(ms), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(v.dir, "activate"), []byte("1"), 0o644)
}
