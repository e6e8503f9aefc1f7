// Package proctor is the client-side proctoring runtime: it samples the
// camera through an object detector, listens for environment-tamper signals,
// feeds both into the integrity engine and mirrors every violation to the
// server ledger, which remains the source of truth.
package proctor

import "context"

// Frame is one captured video frame, already encoded as a low resolution
// JPEG (the reference client captures 320x240 and thumbnails at quality 0.3
// before upload).
type Frame []byte

// Camera abstracts the capture device. Close must be safe to call on every
// exit path, including after a failed Capture.
type Camera interface {
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// Detection is one labeled object reported by the detector.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Detector wraps a person/object detection model invoked as a black box.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

const (
	personLabel = "person"
	phoneLabel  = "cell phone"

	// Confidence floors for interpreting detections.
	personConfidenceMin = 0.5
	phoneConfidenceMin  = 0.4
)

// Classification is the policy-relevant reading of one detection pass.
type Classification struct {
	FaceCount     int
	PhoneDetected bool
}

// Classify interprets raw detections: person-class hits above 0.5 count as
// face/person presence, phone-class hits above 0.4 flag a handheld device.
func Classify(detections []Detection) Classification {
	var c Classification
	for _, d := range detections {
		switch {
		case d.Label == personLabel && d.Confidence > personConfidenceMin:
			c.FaceCount++
		case d.Label == phoneLabel && d.Confidence > phoneConfidenceMin:
			c.PhoneDetected = true
		}
	}
	return c
}
