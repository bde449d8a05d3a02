package pipeline

import (
	"fmt"

	"github.com/rs/zerolog"

	"example/camflow/framepool"
	"example/camflow/intrinsics"
	"example/camflow/vision"
)

// CameraMatrix builds the pinhole matrix from in.
func CameraMatrix(in intrinsics.Intrinsics) vision.CameraMatrix {
	return vision.CameraMatrix{
		in.Fx, 0, in.Cx,
		0, in.Fy, in.Cy,
		0, 0, 1,
	}
}

// DistortionVector builds the coefficient vector from in.
func DistortionVector(in intrinsics.Intrinsics) vision.Distortion {
	return vision.Distortion{in.K1, in.K2, in.P1, in.P2, in.K3}
}

// Undistorter removes lens distortion from frames when intrinsics are known.
type Undistorter struct {
	backend vision.Backend
	logger  zerolog.Logger
}

// NewUndistorter returns an Undistorter over backend.
func NewUndistorter(backend vision.Backend, logger zerolog.Logger) *Undistorter {
	return &Undistorter{
		backend: backend,
		logger:  logger.With().Str("component", "undistort").Logger(),
	}
}

// Apply returns an undistorted copy of frame acquired from scope, and true.
// With nil or unusable intrinsics, or when the backend fails, it returns
// frame itself and false. The caller still owns frame either way. Only an
// allocation failure is returned as an error.
func (u *Undistorter) Apply(scope *framepool.Scope, frame vision.Buffer, in *intrinsics.Intrinsics) (vision.Buffer, bool, error) {
	if in == nil || !in.Usable() {
		return frame, false, nil
	}
	dst, err := scope.Like(frame)
	if err != nil {
		return nil, false, fmt.Errorf("undistort: %w", err)
	}
	if err := u.backend.Undistort(frame, dst, CameraMatrix(*in), DistortionVector(*in)); err != nil {
		u.logger.Debug().Err(err).Msg("undistortion skipped")
		if rerr := scope.Release(dst); rerr != nil {
			u.logger.Warn().Err(rerr).Msg("release undistort target")
		}
		return frame, false, nil
	}
	return dst, true, nil
}
